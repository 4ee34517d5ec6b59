package main

import (
	"context"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"

	"github.com/KlikkAI/reporunner-sub010/internal/config"
	"github.com/KlikkAI/reporunner-sub010/pkg/auth"
)

const CollabCtlVersion = "0.1.0"

var (
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
)

const usage = `Collaboration server control.

The default server url is http://localhost:8080. Without --token the
request carries --user as a development identity, which only a server
running with auth disabled accepts.

Usage:
    collabctl sessions [options]
    collabctl open <graph> [options]
    collabctl info <session> [options]
    collabctl snapshot <session> [options]
    collabctl operations <session> --since=<version> [options]
    collabctl conflicts <session> [options]
    collabctl resolve <session> <operation> (apply | discard) [options]
    collabctl undo <session> --client=<client_id> [<operation>] [options]
    collabctl pause <session> [options]
    collabctl resume <session> [options]
    collabctl end <session> [options]
    collabctl watch <graph> [--message_count=<n>] [options]
    collabctl token --secret=<secret> [--issuer=<issuer>] [--audience=<audience>]
        [--ttl=<ttl>] [--name=<name>] [--viewer] [options]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --url=<url>                Server url [default: http://localhost:8080].
    --token=<token>            Bearer token.
    --user=<user>              User id [default: cli].
    --since=<version>          Return operations after this version.
    --client=<client_id>       Client whose operation to undo.
    --message_count=<n>        Print this many messages then exit.
    --secret=<secret>          HS256 signing secret.
    --issuer=<issuer>          Token issuer.
    --audience=<audience>      Token audience.
    --ttl=<ttl>                Token lifetime [default: 1h].
    --name=<name>              Display name.
    --viewer                   Issue a read-only token.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if token_, _ := opts.Bool("token"); token_ {
		issueToken(opts)
		return
	}
	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(ctx, opts)
		return
	}

	c := clientFromOpts(opts)
	session, _ := opts.String("<session>")
	sessionPath := "/api/v1/sessions/" + url.PathEscape(session)

	var body []byte
	switch {
	case flag(opts, "sessions"):
		body, err = c.do(ctx, "GET", "/api/v1/sessions", nil)
	case flag(opts, "open"):
		graphID, _ := opts.String("<graph>")
		body, err = c.do(ctx, "POST", "/api/v1/sessions", map[string]string{"graphId": graphID})
	case flag(opts, "info"):
		body, err = c.do(ctx, "GET", sessionPath, nil)
	case flag(opts, "snapshot"):
		body, err = c.do(ctx, "GET", sessionPath+"/snapshot", nil)
	case flag(opts, "operations"):
		since, _ := opts.String("--since")
		body, err = c.do(ctx, "GET", sessionPath+"/operations?since="+url.QueryEscape(since), nil)
	case flag(opts, "conflicts"):
		body, err = c.do(ctx, "GET", sessionPath+"/conflicts", nil)
	case flag(opts, "resolve"):
		opID, _ := opts.String("<operation>")
		choice := "discard"
		if flag(opts, "apply") {
			choice = "apply"
		}
		body, err = c.do(ctx, "POST", sessionPath+"/conflicts/"+url.PathEscape(opID)+"/resolve",
			map[string]string{"choice": choice})
	case flag(opts, "undo"):
		clientID, _ := opts.String("--client")
		opID, _ := opts.String("<operation>")
		body, err = c.do(ctx, "POST", sessionPath+"/undo",
			map[string]string{"clientId": clientID, "operationId": opID})
	case flag(opts, "pause"):
		body, err = c.do(ctx, "POST", sessionPath+"/pause", nil)
	case flag(opts, "resume"):
		body, err = c.do(ctx, "POST", sessionPath+"/resume", nil)
	case flag(opts, "end"):
		body, err = c.do(ctx, "POST", sessionPath+"/end", nil)
	}
	if err != nil {
		Err.Fatal(err)
	}
	if len(body) > 0 {
		Out.Print(pretty(body))
	}
}

func flag(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func clientFromOpts(opts docopt.Opts) *apiClient {
	baseURL, _ := opts.String("--url")
	token, _ := opts.String("--token")
	user, _ := opts.String("--user")
	return newAPIClient(baseURL, token, user)
}

func issueToken(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	issuer, _ := opts.String("--issuer")
	audience, _ := opts.String("--audience")
	ttlStr, _ := opts.String("--ttl")
	user, _ := opts.String("--user")
	name, _ := opts.String("--name")

	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		Err.Fatalf("invalid --ttl: %v", err)
	}
	svc, err := auth.NewService(config.Auth{
		Enabled:   true,
		JWTSecret: secret,
		Issuer:    issuer,
		Audience:  audience,
		TokenTTL:  ttl,
	})
	if err != nil {
		Err.Fatal(err)
	}
	roles := []string{auth.RoleEditor}
	if flag(opts, "--viewer") {
		roles = []string{auth.RoleViewer}
	}
	token, err := svc.GenerateToken(user, name, roles)
	if err != nil {
		Err.Fatal(err)
	}
	Out.Print(token)
}

// watch joins the graph's session over WebSocket and prints every envelope
// the server pushes.
func watch(ctx context.Context, opts docopt.Opts) {
	c := clientFromOpts(opts)
	graphID, _ := opts.String("<graph>")
	messageCount := -1
	if n, err := opts.Int("--message_count"); err == nil {
		messageCount = n
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(graphID), c.headers())
	if err != nil {
		Err.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for i := 0; messageCount < 0 || i < messageCount; i++ {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				return
			}
			Err.Fatalf("read: %v", err)
		}
		Out.Print(strings.TrimSpace(string(msg)))
	}
}
