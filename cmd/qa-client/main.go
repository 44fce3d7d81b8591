// Command qa-client is an interactive debug shell over a QA session,
// grounded directly on original_source/qa_client.py's DebugMenu(cmd.Cmd):
// connect <host>, logon, pubmsg <text>, screenshot <file>, pull_msg,
// quit. No Go example repo in this project's lineage implements a
// cmd-module-style REPL, so the read-dispatch loop itself is written
// from the Python original's intent using stdlib bufio.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labqa/qa-broker/internal/clientconfig"
	"github.com/labqa/qa-broker/internal/logging"
	"github.com/labqa/qa-broker/internal/session"
	"github.com/labqa/qa-broker/internal/wire"
)

const defaultPort = 9665

func main() {
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "warn", "Log level: debug|info|warn|error")
	flag.Parse()

	l := logging.New(*logFormat, parseLevel(*logLevel), os.Stderr)
	logging.Set(l)

	settings, err := clientconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "qa-client: %v\n", err)
		os.Exit(1)
	}
	sess := session.New(
		session.WithSettings(settings),
		session.WithLogger(l),
		session.WithBrowser(browserFor(l)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if worker := newRecoveryWorker(sess, settings, l); worker != nil {
		go worker.run(ctx)
	}

	m := &menu{sess: sess, out: os.Stdout, in: bufio.NewScanner(os.Stdin)}
	m.run()
}

// menu dispatches each line of input to a do_<command> handler, the
// same "line in, word split, dispatch" shape as DebugMenu.
type menu struct {
	sess *session.Session
	out  *os.File
	in   *bufio.Scanner
}

func (m *menu) run() {
	fmt.Fprintln(m.out, "qa-client debug shell. Commands: connect, logon, pubmsg, screenshot, pull_msg, quit")
	for {
		fmt.Fprint(m.out, "(qa) ")
		if !m.in.Scan() {
			return
		}
		line := strings.TrimSpace(m.in.Text())
		if line == "" {
			continue
		}
		word, arg, _ := strings.Cut(line, " ")
		switch word {
		case "connect":
			m.doConnect(arg)
		case "logon":
			m.doLogon()
		case "pubmsg":
			m.doPubmsg(arg)
		case "screenshot":
			m.doScreenshot(arg)
		case "pull_msg":
			m.doPullMsg()
		case "quit", "exit":
			m.doQuit()
			return
		default:
			fmt.Fprintf(m.out, "unknown command: %q\n", word)
		}
	}
}

func (m *menu) doConnect(arg string) {
	host, portStr, hasPort := strings.Cut(strings.TrimSpace(arg), ":")
	port := defaultPort
	if hasPort {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sess.Connect(ctx, host, port); err != nil {
		fmt.Fprintf(m.out, "connect failed: %v\n", err)
		return
	}
	fmt.Fprintln(m.out, "connected")
}

func (m *menu) doLogon() {
	if err := m.sess.Logon(); err != nil {
		fmt.Fprintf(m.out, "logon failed: %v\n", err)
		return
	}
	fmt.Fprintln(m.out, "logon sent")
}

func (m *menu) doPubmsg(arg string) {
	if err := m.sess.Pubmsg(arg); err != nil {
		fmt.Fprintf(m.out, "pubmsg failed: %v\n", err)
	}
}

func (m *menu) doScreenshot(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(m.out, "screenshot: read %s: %v\n", path, err)
		return
	}
	if err := m.sess.Screenshot(data); err != nil {
		fmt.Fprintf(m.out, "screenshot failed: %v\n", err)
	}
}

func (m *menu) doPullMsg() {
	body, ok := m.sess.GetMsg()
	if !ok {
		fmt.Fprintln(m.out, "(no message pending)")
		return
	}
	printFrame(m.out, body)
}

func (m *menu) doQuit() {
	if m.sess.Connected() {
		if err := m.sess.Quit(); err != nil {
			fmt.Fprintf(m.out, "quit: %v\n", err)
		}
	}
}

func printFrame(out *os.File, body wire.Body) {
	switch body.Type() {
	case wire.TypeRoom:
		fmt.Fprintf(out, "room: %v\n", body["users"])
	case wire.TypeEntrance:
		name, _ := body.GetString("username")
		fmt.Fprintf(out, "entrance: %s\n", name)
	case wire.TypeExit:
		name, _ := body.GetString("username")
		fmt.Fprintf(out, "exit: %s\n", name)
	case wire.TypePubMsg:
		msg, _ := body.GetString("msg")
		fmt.Fprintf(out, "pubmsg: %s\n", msg)
	case wire.TypeScreenshot:
		fmt.Fprintln(out, "screenshot: <data omitted>")
	default:
		fmt.Fprintf(out, "%s: %v\n", body.Type(), map[string]any(body))
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
