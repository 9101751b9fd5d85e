package utils

import "net/url"

// IsValidURL reports whether s is an absolute URL with a scheme and host
func IsValidURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}
