package main

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// storedCookie is one credential cookie as kept in ~/.hellodev/cookies.toml.
type storedCookie struct {
	URL      string    `toml:"url"`
	Name     string    `toml:"name"`
	Value    string    `toml:"value"`
	Path     string    `toml:"path,omitempty"`
	Expires  time.Time `toml:"expires"`
	Secure   bool      `toml:"secure,omitempty"`
	HTTPOnly bool      `toml:"http_only,omitempty"`
}

type cookieFile struct {
	Cookies []storedCookie `toml:"cookie"`
}

// fileJar is an http.CookieJar that remembers every cookie the server sets so the
// session survives between CLI runs. Lookups are answered by the in-memory jar.
type fileJar struct {
	path string
	jar  *cookiejar.Jar

	mu      sync.Mutex
	entries map[string]storedCookie
}

// loadFileJar reads path into a new jar. A missing or unreadable file yields an empty jar.
func loadFileJar(path string) *fileJar {
	inner, _ := cookiejar.New(nil)
	j := &fileJar{path: path, jar: inner, entries: make(map[string]storedCookie)}

	data, err := os.ReadFile(path)
	if err != nil {
		return j
	}
	var f cookieFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return j
	}
	now := time.Now()
	for _, sc := range f.Cookies {
		if !sc.Expires.IsZero() && !sc.Expires.After(now) {
			continue
		}
		u, err := url.Parse(sc.URL)
		if err != nil {
			continue
		}
		inner.SetCookies(u, []*http.Cookie{{
			Name:     sc.Name,
			Value:    sc.Value,
			Path:     sc.Path,
			Expires:  sc.Expires,
			Secure:   sc.Secure,
			HttpOnly: sc.HTTPOnly,
		}})
		j.entries[cookieKey(u, sc.Name, sc.Path)] = sc
	}
	return j
}

func cookieKey(u *url.URL, name, path string) string {
	return u.Host + "|" + path + "|" + name
}

func (j *fileJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.jar.SetCookies(u, cookies)

	origin := url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}
	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		key := cookieKey(u, c.Name, c.Path)
		expires := c.Expires
		if c.MaxAge > 0 {
			expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		}
		if c.MaxAge < 0 || (!expires.IsZero() && !expires.After(now)) {
			delete(j.entries, key)
			continue
		}
		j.entries[key] = storedCookie{
			URL:      origin.String(),
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Expires:  expires,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
	}
}

func (j *fileJar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}

// Save writes the remembered cookies back to disk.
func (j *fileJar) Save() error {
	j.mu.Lock()
	f := cookieFile{Cookies: make([]storedCookie, 0, len(j.entries))}
	for _, sc := range j.entries {
		f.Cookies = append(f.Cookies, sc)
	}
	j.mu.Unlock()
	sort.Slice(f.Cookies, func(a, b int) bool {
		if f.Cookies[a].URL != f.Cookies[b].URL {
			return f.Cookies[a].URL < f.Cookies[b].URL
		}
		return f.Cookies[a].Name < f.Cookies[b].Name
	})

	data, err := toml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("cannot marshal cookies: %w", err)
	}
	if err := os.WriteFile(j.path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write cookies: %w", err)
	}
	return nil
}
