package main

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// readPasswordSecurely reads a password from the terminal without echoing
func readPasswordSecurely(prompt string, errOut io.Writer) (string, error) {
	fmt.Fprint(errOut, prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(errOut)
	if err != nil {
		return "", err
	}
	return string(bytePassword), nil
}

// parseTargetURL parses username@hostname[:port]. A bracketed IPv6 host may
// carry a port ([::1]:2222). port is 0 when absent.
func parseTargetURL(target string) (username, hostname string, port int, err error) {
	username, rest, ok := strings.Cut(target, "@")
	if !ok || username == "" {
		return "", "", 0, fmt.Errorf("invalid target %q: expected username@hostname[:port]", target)
	}
	if strings.Contains(username, ":") {
		return "", "", 0, fmt.Errorf("invalid target %q: passwords are not accepted in the target", target)
	}

	hostname = rest
	if h, p, splitErr := net.SplitHostPort(rest); splitErr == nil {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n < 1 || n > 65535 {
			return "", "", 0, fmt.Errorf("invalid port number: %s", p)
		}
		hostname, port = h, n
	} else if strings.HasPrefix(rest, "[") && strings.HasSuffix(rest, "]") {
		hostname = strings.Trim(rest, "[]")
	} else if strings.Count(rest, ":") == 1 {
		return "", "", 0, fmt.Errorf("invalid target %q: %v", target, splitErr)
	}

	if hostname == "" {
		return "", "", 0, fmt.Errorf("invalid target %q: hostname is empty", target)
	}
	return username, hostname, port, nil
}
