package main

import (
	"fmt"
	"net"
	"net/url"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
)

// selfCheck dials listen and performs an anonymous bind, confirming the
// freshly-started server actually speaks LDAPv3 before the operator starts
// pointing real clients at it. It retries with backoff since the listener
// goroutine may not have called net.Listen yet, grounded on
// majewsky-portunus's connectionImpl.getConn retry loop.
func selfCheck(listen string) error {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Errorf("could not parse listen address %q: %w", listen, err)
	}
	u := url.URL{Scheme: "ldap", Host: net.JoinHostPort("localhost", port)}

	var lastErr error
	sleep := 5 * time.Millisecond
	for attempt := 0; attempt < 10; attempt++ {
		time.Sleep(sleep)
		conn, err := goldap.DialURL(u.String())
		if err != nil {
			lastErr = err
			sleep *= 2
			continue
		}
		err = conn.UnauthenticatedBind("")
		conn.Close()
		if err != nil {
			lastErr = err
			sleep *= 2
			continue
		}
		return nil
	}
	return fmt.Errorf("self-check: could not confirm LDAPv3 listener at %s after 10 attempts: %w", u.String(), lastErr)
}
