// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package address provides a network address type for database servers.
package address

import (
	"net"
	"strings"
)

const defaultPort = "27017"

// Address is a network address. It can be either an IP address or a DNS name.
type Address string

// Network is the network protocol for this address. In most cases this will be
// "tcp" or "unix".
func (a Address) Network() string {
	if strings.HasSuffix(string(a), "sock") {
		return "unix"
	}
	return "tcp"
}

// String is the canonical version of this address, e.g. localhost:27017,
// 1.2.3.4:27017, example.com:27017.
func (a Address) String() string {
	s := string(a)
	if len(s) == 0 {
		return ""
	}

	s = strings.ToLower(s)
	if !strings.HasSuffix(s, "sock") {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s += ":" + defaultPort
		}
	}

	return s
}
