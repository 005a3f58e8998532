package cache

import (
	"net/http"
	"strings"
)

// Cacheable reports whether a fetched response may be written to a tier:
// a 2xx status without a Cache-Control no-store directive.
func Cacheable(status int, header http.Header) bool {
	if status < 200 || status > 299 {
		return false
	}
	for _, value := range header.Values("Cache-Control") {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), "no-store") {
				return false
			}
		}
	}
	return true
}
