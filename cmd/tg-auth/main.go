// Command tg-auth logs a Telegram account in and prints the session string
// the fetcher reads from TELEGRAM_SESSION_STRING__<name>.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
	"github.com/glebarez/sqlite"
	"github.com/gotd/td/session/tdesktop"
	"github.com/mdp/qrterminal/v3"

	"github.com/msx98/telelog/internal/database"
	"github.com/msx98/telelog/internal/telegram"
)

const (
	methodTData = "tdata"
	methodPhone = "phone"
	methodQR    = "qr"
)

func main() {
	name := flag.String("name", "main", "session name used in TELEGRAM_FETCH_WITH")
	method := flag.String("method", "", "login method: tdata, phone or qr (asked when empty)")
	tdataDir := flag.String("tdata", "", "telegram desktop tdata directory")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== telelog session login ===")
	fmt.Println()

	var accounts []tdesktop.Account
	if *method == "" || *method == methodTData {
		accounts = readTData(*tdataDir, reader)
	}
	if *method == "" {
		*method = chooseMethod(len(accounts) > 0, reader)
	}

	apiID, apiHash := getAPICredentials(reader)

	var (
		client *gotgproto.Client
		err    error
	)
	switch *method {
	case methodTData:
		if len(accounts) == 0 {
			fmt.Println("error: no telegram desktop session found")
			os.Exit(1)
		}
		client, err = authWithTData(apiID, apiHash, *name, accounts, reader)
	case methodPhone:
		client, err = authWithPhone(apiID, apiHash, *name, reader)
	case methodQR:
		client, err = authWithQR(ctx, apiID, apiHash, *name)
	default:
		err = fmt.Errorf("unknown method %q", *method)
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
	defer client.Stop()

	sessionString, err := client.ExportStringSession()
	if err != nil {
		fmt.Printf("error exporting session: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nauthentication successful")
	if client.Self != nil {
		fmt.Printf("logged in as: @%s (id %d)\n", client.Self.Username, client.Self.ID)
	}
	fmt.Println("\nadd this to your .env file:")
	fmt.Println("---")
	fmt.Printf("TELEGRAM_SESSION_STRING__%s=%s\n", *name, sessionString)
	fmt.Println("---")
	fmt.Printf("and list %q in TELEGRAM_FETCH_WITH\n", *name)
	fmt.Println("\nkeep this secret, it provides full access to your telegram account")
}

// readTData loads desktop accounts from dir, the platform default, or a
// path typed by the user.
func readTData(dir string, reader *bufio.Reader) []tdesktop.Account {
	if dir == "" {
		dir = telegramDesktopPath()
	}
	accounts, err := tdesktop.Read(dir, nil)
	if err == nil && len(accounts) > 0 {
		fmt.Printf("detected %d telegram desktop session(s) at: %s\n", len(accounts), dir)
		return accounts
	}

	fmt.Printf("no telegram desktop session at: %s\n", dir)
	fmt.Print("enter telegram desktop path (or press enter to skip): ")
	custom, _ := reader.ReadString('\n')
	custom = strings.TrimSpace(custom)
	if custom == "" {
		return nil
	}
	if !strings.HasSuffix(custom, "tdata") {
		custom = filepath.Join(custom, "tdata")
	}
	accounts, err = tdesktop.Read(custom, nil)
	if err != nil {
		fmt.Printf("read %s: %v\n", custom, err)
		return nil
	}
	return accounts
}

func chooseMethod(haveTData bool, reader *bufio.Reader) string {
	fmt.Println()
	fmt.Println("choose authentication method:")
	if haveTData {
		fmt.Println("  1. use telegram desktop session")
	}
	fmt.Println("  2. phone number and login code")
	fmt.Println("  3. scan a QR code from the mobile app")

	def := "3"
	if haveTData {
		def = "1"
	}
	fmt.Printf("\nenter choice [%s]: ", def)
	choice, _ := reader.ReadString('\n')
	choice = strings.TrimSpace(choice)
	if choice == "" {
		choice = def
	}

	switch choice {
	case "1":
		if haveTData {
			return methodTData
		}
	case "2":
		return methodPhone
	}
	return methodQR
}

func telegramDesktopPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "Telegram Desktop", "tdata")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "Telegram Desktop", "tdata")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "TelegramDesktop", "tdata")
	}
}

// getAPICredentials reads TG_API_ID and TG_API_HASH or prompts for them.
func getAPICredentials(reader *bufio.Reader) (int, string) {
	apiIDStr := os.Getenv("TG_API_ID")
	apiHash := os.Getenv("TG_API_HASH")

	if apiIDStr == "" {
		fmt.Print("enter your api_id (from https://my.telegram.org): ")
		apiIDStr, _ = reader.ReadString('\n')
		apiIDStr = strings.TrimSpace(apiIDStr)
	}
	if apiHash == "" {
		fmt.Print("enter your api_hash: ")
		apiHash, _ = reader.ReadString('\n')
		apiHash = strings.TrimSpace(apiHash)
	}

	apiID, err := strconv.Atoi(apiIDStr)
	if err != nil {
		fmt.Printf("error: invalid api_id: %v\n", err)
		os.Exit(1)
	}
	return apiID, apiHash
}

func authWithTData(apiID int, apiHash, name string, accounts []tdesktop.Account, reader *bufio.Reader) (*gotgproto.Client, error) {
	idx := 0
	if len(accounts) > 1 {
		fmt.Printf("\nfound %d telegram accounts, select one [1-%d, default 1]: ", len(accounts), len(accounts))
		choice, _ := reader.ReadString('\n')
		if n, err := strconv.Atoi(strings.TrimSpace(choice)); err == nil && n >= 1 && n <= len(accounts) {
			idx = n - 1
		}
	}

	fmt.Println("\nauthenticating with telegram desktop session...")
	return gotgproto.NewClient(
		apiID,
		apiHash,
		gotgproto.ClientTypePhone(""),
		&gotgproto.ClientOpts{
			Session:          sessionMaker.TdataSession(accounts[idx]).Name(name),
			DisableCopyright: true,
			InMemory:         true,
		},
	)
}

func authWithPhone(apiID int, apiHash, name string, reader *bufio.Reader) (*gotgproto.Client, error) {
	fmt.Print("enter your phone number (with country code, e.g. +1234567890): ")
	phone, _ := reader.ReadString('\n')
	phone = strings.TrimSpace(phone)

	path := authDBPath(name)
	fmt.Println("\nauthenticating... (check telegram for code)")
	client, err := gotgproto.NewClient(
		apiID,
		apiHash,
		gotgproto.ClientTypePhone(phone),
		&gotgproto.ClientOpts{
			Session:          sessionMaker.SqlSession(sqlite.Open(path)),
			DisableCopyright: true,
		},
	)
	if err == nil {
		fmt.Printf("\nnote: %s holds the session too; delete it after copying the string.\n", path)
	}
	return client, err
}

// authWithQR runs the QR login through telegram.Manager, which keeps the
// authorized session in a SQLite database under the temp dir.
func authWithQR(ctx context.Context, apiID int, apiHash, name string) (*gotgproto.Client, error) {
	path := authDBPath(name)
	db, err := database.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = database.CloseGorm(db) }()

	m := telegram.NewManager(telegram.Credentials{
		APIID:   apiID,
		APIHash: apiHash,
		Name:    name,
		DB:      db,
	}, nil)

	fmt.Println("\nscan the code below: Settings > Devices > Link Desktop Device")
	err = m.StartQR(ctx, func(url string) {
		fmt.Println()
		qrterminal.GenerateHalfBlock(url, qrterminal.L, os.Stdout)
		fmt.Println("waiting for confirmation (the code refreshes automatically)...")
	})
	if err != nil {
		return nil, err
	}
	fmt.Printf("\nnote: %s holds the session too; delete it after copying the string.\n", path)
	return m.GetClient(), nil
}

func authDBPath(name string) string {
	return filepath.Join(os.TempDir(), "telelog-auth-"+name+".db")
}
