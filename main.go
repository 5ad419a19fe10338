package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/muesli/reflow/wordwrap"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/voxchat/voxclient/bridge"
	"github.com/voxchat/voxclient/bridge/matrix"
	"github.com/voxchat/voxclient/bridge/vox"
	"github.com/voxchat/voxclient/config"
	"github.com/voxchat/voxclient/pkg/chatclient"
	"github.com/voxchat/voxclient/pkg/markup"
	"github.com/voxchat/voxclient/pkg/statestore"
)

var version = "0.3.0-dev"

const renderWidth = 100

func main() {
	flagConfig := pflag.String("conf", "", "config file")
	flagBackend := pflag.String("backend", "vox", "backend protocol: vox or matrix")
	flagServer := pflag.String("server", "", "server to connect to")
	flagLogin := pflag.String("login", "", "login (email for vox, localpart for matrix)")
	flagPass := pflag.String("pass", "", "password (or set VOXCLIENT_PASS)")
	flagStateDir := pflag.String("statedir", "", "directory for persisted state")
	flagLogout := pflag.Bool("logout", false, "log out, clear the saved session and exit")
	flagDebug := pflag.Bool("debug", false, "enable debug logging")
	flagTrace := pflag.Bool("trace", false, "enable trace logging")
	flagVersion := pflag.Bool("version", false, "show version")
	pflag.Parse()

	if *flagVersion {
		fmt.Printf("version: %s\n", version)

		return
	}

	v, err := config.LoadConfig(*flagConfig)
	if err != nil {
		logrus.Fatal(err)
	}

	if *flagDebug {
		v.Set("debug", true)
	}

	if *flagTrace {
		v.Set("trace", true)
	}

	for flag, key := range map[*string]string{
		flagBackend: "backend",
		flagServer:  "server",
		flagLogin:   "login",
		flagPass:    "pass",
	} {
		if *flag != "" {
			v.Set(key, *flag)
		}
	}

	server := v.GetString("server")
	if server == "" {
		logrus.Fatal("no server configured, use --server or a config file")
	}

	store, err := statestore.Open(statePath(*flagStateDir))
	if err != nil {
		logrus.Fatalf("failed to open state store: %v", err)
	}
	defer store.Close()

	var factory chatclient.BridgerFactory

	switch v.GetString("backend") {
	case "vox":
		factory = vox.New
	case "matrix":
		factory = matrix.New
	default:
		logrus.Fatalf("unknown backend %q", v.GetString("backend"))
	}

	client := chatclient.New(v, factory, store)

	ctx := context.Background()

	if *flagLogout {
		if err := client.LoginToken(ctx, server); err != nil {
			logrus.Fatalf("no session to log out of: %v", err)
		}

		if err := client.Logout(); err != nil {
			logrus.Fatal(err)
		}

		fmt.Println("logged out")

		return
	}

	if err := client.LoginToken(ctx, server); err != nil {
		logrus.Debugf("session resume failed (%v), logging in", err)

		err = client.Login(ctx, bridge.Credentials{
			Server:        server,
			Login:         v.GetString("login"),
			Pass:          v.GetString("pass"),
			NoTLS:         v.GetBool("notls"),
			SkipTLSVerify: v.GetBool("skiptlsverify"),
		})
		if err != nil {
			logrus.Fatalf("login failed: %v", err)
		}
	}

	me := client.Me()
	fmt.Printf("logged in as %s (%s) on %s\n\n", me.DisplayName, me.UserID, server)

	printRooms(client.Rooms())

	sub := client.Subscribe()
	defer sub.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigChan:
			fmt.Println("\nbye")

			return
		case n := <-sub.C:
			render(client, n)
		}
	}
}

func statePath(dir string) string {
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = "."
		}

		dir = filepath.Join(base, "voxclient")
	}

	_ = os.MkdirAll(dir, 0o700)

	return filepath.Join(dir, "state.db")
}

func printRooms(rooms []*bridge.Room) {
	fmt.Printf("%d rooms:\n", len(rooms))

	for _, room := range rooms {
		marker := " "
		if room.UnreadCount > 0 {
			marker = "*"
		}

		kind := "room"
		if room.IsDirect {
			kind = "dm"
		}

		fmt.Printf(" %s [%s] %s (%d members)\n", marker, kind, room.Name, room.MemberCount)
	}

	fmt.Println()
}

func render(client *chatclient.Client, n chatclient.Notification) {
	switch data := n.(type) {
	case chatclient.MessageArrived:
		printMessage(data.Message)
	case chatclient.MessageChanged:
		if data.Message.IsDeleted {
			fmt.Printf("<%s> (message deleted)\n", data.Message.SenderName)

			return
		}

		printMessage(data.Message)
	case chatclient.RoomsUpdated:
		// room list changes are silent; unread markers show on the next listing
	case chatclient.RoomInvalidated:
		if _, err := client.LoadMessages(context.Background(), data.RoomID, 0); err != nil {
			logrus.Debugf("refetch of %s failed: %v", data.RoomID, err)
		}
	case chatclient.TypingChanged:
		if len(data.Users) > 0 {
			fmt.Printf("-- typing: %s\n", strings.Join(data.Users, ", "))
		}
	case chatclient.InvitationsUpdated:
		for _, inv := range data.Invitations {
			fmt.Printf("-- invitation to %s from %s\n", inv.RoomName, inv.InviterName)
		}
	case chatclient.SyncChanged:
		fmt.Printf("-- sync: %s\n", data.State)
	}
}

func printMessage(msg *bridge.Message) {
	text := msg.Content
	if msg.FormattedContent != "" {
		text = markup.StripHTML(msg.FormattedContent)
	}

	edited := ""
	if msg.IsEdited {
		edited = " (edited)"
	}

	fmt.Printf("<%s>%s %s\n", msg.SenderName, edited, renderBody(text))

	for _, r := range msg.Reactions {
		fmt.Printf("    %s x%d\n", r.Key, r.Count)
	}
}

// renderBody word-wraps prose and syntax-highlights fenced code blocks.
func renderBody(text string) string {
	parts := strings.Split(text, "```")

	var out strings.Builder

	for i, part := range parts {
		if i%2 == 0 {
			out.WriteString(wordwrap.String(part, renderWidth))

			continue
		}

		lang := ""
		code := part

		if idx := strings.IndexByte(part, '\n'); idx >= 0 {
			lang = strings.TrimSpace(part[:idx])
			code = part[idx+1:]
		}

		out.WriteString("\n")

		if err := quick.Highlight(&out, code, lang, "terminal256", "monokai"); err != nil {
			out.WriteString(code)
		}

		out.WriteString("\n")
	}

	return out.String()
}
