package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fzft/go-reactor/deps/linenoise"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	ClientHisFileEnv     = "REACTOR_HISTFILE"
	ClientHisFileDefault = ".reactor_history"
)

var ClientCmd = &cobra.Command{
	Use:   "client",
	Short: "Interactive client for the echo server",
	Long:  `Connect to an echo server, print the welcome message and send every entered line. Type quit or exit to leave, clear to clear the screen.`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: runClient,
}

func init() {
	ClientCmd.Flags().String("host", "127.0.0.1", "server host")
	ClientCmd.Flags().Uint16("port", 8080, "server port")
	ClientCmd.Flags().Duration("reply-timeout", time.Second, "how long to wait for a reply")
}

func runClient(_ *cobra.Command, _ []string) error {
	addr := net.JoinHostPort(viper.GetString("host"), strconv.Itoa(int(viper.GetUint16("port"))))
	timeout := viper.GetDuration("reply-timeout")

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := printReply(conn, timeout); err != nil {
		return err
	}

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := send(conn, scanner.Text(), timeout); err != nil {
				return err
			}
		}
		return scanner.Err()
	}
	return repl(conn, addr, timeout)
}

func repl(conn net.Conn, addr string, timeout time.Duration) error {
	line := linenoise.New()
	defer line.Close()

	historyFile := getDotfilePath(ClientHisFileEnv, ClientHisFileDefault)
	if historyFile != "" {
		_ = line.HistoryLoad(historyFile)
	}

	prompt := addr + "> "
	for {
		input, err := line.Prompt(prompt)
		if err != nil {
			// ctrl-c or ctrl-d
			return nil
		}

		switch strings.ToLower(strings.TrimSpace(input)) {
		case "":
			continue
		case "quit", "exit":
			return nil
		case "clear":
			_ = line.ClearScreen()
			continue
		}

		line.AppendHistory(input)
		if historyFile != "" {
			_ = line.HistorySave(historyFile)
		}
		if err := send(conn, input, timeout); err != nil {
			return err
		}
	}
}

func send(conn net.Conn, msg string, timeout time.Duration) error {
	if _, err := conn.Write([]byte(msg)); err != nil {
		return err
	}
	return printReply(conn, timeout)
}

// printReply prints what the server sends within timeout. The stream is not
// framed, so the reply may arrive in several reads.
func printReply(conn net.Conn, timeout time.Duration) error {
	buf := make([]byte, 4096)
	wait := timeout
	for {
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		n, err := conn.Read(buf)
		if n > 0 {
			fmt.Print(string(buf[:n]))
			// more of the same reply follows quickly, if at all
			wait = 50 * time.Millisecond
		}
		var ne net.Error
		switch {
		case err == nil:
		case errors.As(err, &ne) && ne.Timeout():
			fmt.Println()
			return nil
		case errors.Is(err, io.EOF):
			fmt.Println("\nconnection closed by server")
			return err
		default:
			return err
		}
	}
}

// getDotfilePath returns the history file from env, or the default in the home directory.
func getDotfilePath(envOverride, dotFilename string) string {
	if path := os.Getenv(envOverride); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, dotFilename)
}
