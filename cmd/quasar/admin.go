package main

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/quasarcache/quasar/internal/config"
)

// adminAddr resolves the loopback client port a running instance listens
// on — from -f config if given, otherwise the documented default.
func adminAddr() (string, error) {
	port := config.DefaultConfig().PortNo
	if configFile != "" {
		cfg, err := config.LoadFromFile(configFile)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		port = cfg.PortNo
	}
	return fmt.Sprintf("127.0.0.1:%d", port), nil
}

// sendAdminCommand opens a loopback connection to a running instance,
// sends one admin line, and returns every reply line up to and including
// the terminating "END" line (or the single OK/ERROR line for commands
// that don't reply with a block).
func sendAdminCommand(line string) ([]string, error) {
	addr, err := adminAddr()
	if err != nil {
		return nil, err
	}
	return sendAdminCommandTo(addr, line)
}

// sendAdminCommandTo is sendAdminCommand with the target address already
// resolved, split out so tests can point it at an ephemeral listener.
func sendAdminCommandTo(addr, line string) ([]string, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\r\n", line); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	r := bufio.NewReader(conn)
	var out []string
	for {
		reply, err := r.ReadString('\n')
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, fmt.Errorf("read reply: %w", err)
		}
		reply = strings.TrimRight(reply, "\r\n")
		out = append(out, reply)
		if reply == "END" || strings.HasPrefix(reply, "OK") || strings.HasPrefix(reply, "ERROR") {
			return out, nil
		}
	}
}
