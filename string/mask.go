// Package string has small masking helpers used when cache targets are
// echoed to logs or the terminal.
package string

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Mask will mask a string by replacing the middle with asterisks.
func Mask(s string) string {
	l := len(s)
	if l == 0 {
		return s
	}
	if l == 1 {
		return "*"
	}
	h := int(l / 2)
	return s[0:h] + strings.Repeat("*", l-h)
}

// MaskURL returns a masked version of the URL string, hiding the user
// info and query values. Host, port and path stay visible: for a cache
// DSN they name the target, not a secret.
func MaskURL(urlString string) (string, error) {
	u, err := url.Parse(urlString)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	var str strings.Builder
	str.WriteString(u.Scheme)
	str.WriteString("://")
	if u.User != nil {
		str.WriteString(Mask(u.User.Username()))
		if pass, ok := u.User.Password(); ok {
			str.WriteString(":")
			str.WriteString(Mask(pass))
		}
		str.WriteString("@")
	}
	str.WriteString(u.Host)
	if p := u.Path; p != "" && p != "/" {
		str.WriteString(p)
	}
	var qs []string
	for k, v := range u.Query() {
		qs = append(qs, fmt.Sprintf("%s=%s", k, Mask(strings.Join(v, ","))))
	}
	sort.Strings(qs)
	if len(qs) > 0 {
		str.WriteString("?")
		str.WriteString(strings.Join(qs, "&"))
	}
	return str.String(), nil
}

// MaskAddr masks addr when it is URL-shaped. Bare host:port addresses
// carry no credentials and pass through unchanged.
func MaskAddr(addr string) string {
	if !strings.Contains(addr, "://") {
		return addr
	}
	masked, err := MaskURL(addr)
	if err != nil {
		return Mask(addr)
	}
	return masked
}
