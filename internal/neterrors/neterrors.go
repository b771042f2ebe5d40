// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package neterrors classifies network failures from database drivers and
// script HTTP calls so they can be reported with troubleshooting steps.
package neterrors

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind is a coarse network failure category.
type Kind string

const (
	KindNone    Kind = ""
	KindTimeout Kind = "timeout"
	KindDNS     Kind = "dns"
	KindRefused Kind = "connection refused"
	KindTLS     Kind = "tls"
	KindAuth    Kind = "authentication"
	KindOther   Kind = "network"
)

// Classify returns the category of err. Errors that are not network related
// are KindOther.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	lower := strings.ToLower(err.Error())

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded") {
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || strings.Contains(lower, "no such host") {
		return KindDNS
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.ECONNREFUSED) {
		return KindRefused
	}
	if strings.Contains(lower, "connection refused") {
		return KindRefused
	}

	if strings.Contains(lower, "tls") || strings.Contains(lower, "ssl") ||
		strings.Contains(lower, "certificate") || strings.Contains(lower, "handshake") {
		return KindTLS
	}
	if strings.Contains(lower, "password authentication failed") || strings.Contains(lower, "sqlstate 28p01") ||
		strings.Contains(lower, "sqlstate 28000") {
		return KindAuth
	}
	return KindOther
}

// Steps returns troubleshooting steps for a failure of kind reaching target.
func Steps(kind Kind, target string) []string {
	if target == "" {
		target = "the server"
	}
	switch kind {
	case KindTimeout:
		return []string{
			"Check that " + target + " is reachable from this machine",
			"Check firewall and VPN settings",
		}
	case KindDNS:
		return []string{
			"Check the host name in the DSN for typos",
			"Check your DNS settings or use an IP address",
		}
	case KindRefused:
		return []string{
			"Check that the database is running on " + target,
			"Check the port in the DSN",
		}
	case KindTLS:
		return []string{
			"Check the sslmode parameter in the DSN",
			"Check that the server certificate is trusted",
		}
	case KindAuth:
		return []string{
			"Check the user name and password",
			"Re-run connect with --ask-password to update the stored password",
		}
	}
	return nil
}
