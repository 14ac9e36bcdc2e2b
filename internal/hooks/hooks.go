// Package hooks renders the shell hooks an agent CLI runs on lifecycle
// events, plus the README, one-line installer and ZIP bundle that deliver
// them.
package hooks

import (
	"archive/zip"
	"bytes"
	"embed"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"strings"
	"text/template"

	"github.com/zsprackett/agent-mascot/internal/mascot"
)

// BundleName is the download filename of the ZIP bundle.
const BundleName = "claude-mascot-hooks.zip"

// ErrUnsafeBaseURL is returned for base URLs that cannot be embedded in a
// shell script verbatim.
var ErrUnsafeBaseURL = errors.New("hooks: base URL contains characters unsafe for shell scripts")

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

type hookData struct {
	Event   string
	Token   string
	BaseURL string
	Tool    bool
}

type installData struct {
	BaseURL string
	Hooks   []encodedHook
}

type encodedHook struct {
	Event   string
	Encoded string
}

// Script returns the hook script for one event. The script posts the event
// in the background and always exits 0 so the agent is never blocked.
func Script(event, token, baseURL string) (string, error) {
	base, err := cleanBaseURL(baseURL)
	if err != nil {
		return "", err
	}
	return render("hook.sh.tmpl", hookData{
		Event:   event,
		Token:   token,
		BaseURL: base,
		Tool:    mascot.IsToolEvent(event),
	})
}

func Readme(token, baseURL string) (string, error) {
	base, err := cleanBaseURL(baseURL)
	if err != nil {
		return "", err
	}
	return render("README.md.tmpl", hookData{Token: token, BaseURL: base})
}

// Installer returns a bash script that writes every hook into
// $HOME/.claude/hooks and marks them executable.
func Installer(token, baseURL string) (string, error) {
	base, err := cleanBaseURL(baseURL)
	if err != nil {
		return "", err
	}
	data := installData{BaseURL: base}
	for _, event := range mascot.HookEvents {
		script, err := Script(event, token, base)
		if err != nil {
			return "", err
		}
		data.Hooks = append(data.Hooks, encodedHook{
			Event:   event,
			Encoded: base64.StdEncoding.EncodeToString([]byte(script)),
		})
	}
	return render("install.sh.tmpl", data)
}

// WriteBundle writes a ZIP with hooks/<Event> for every bundled event and
// hooks/README.md.
func WriteBundle(w io.Writer, token, baseURL string) error {
	zw := zip.NewWriter(w)
	for _, event := range mascot.HookEvents {
		script, err := Script(event, token, baseURL)
		if err != nil {
			return err
		}
		if err := writeEntry(zw, "hooks/"+event, script, 0755); err != nil {
			return err
		}
	}
	readme, err := Readme(token, baseURL)
	if err != nil {
		return err
	}
	if err := writeEntry(zw, "hooks/README.md", readme, 0644); err != nil {
		return err
	}
	return zw.Close()
}

func writeEntry(zw *zip.Writer, name, body string, mode fs.FileMode) error {
	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
	hdr.SetMode(mode)
	f, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	if _, err := io.WriteString(f, body); err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	return nil
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// cleanBaseURL trims a trailing slash and rejects anything that is not a
// plain http(s) origin with an optional path.
func cleanBaseURL(raw string) (string, error) {
	base := strings.TrimRight(raw, "/")
	for _, r := range base {
		if !safeURLRune(r) {
			return "", ErrUnsafeBaseURL
		}
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("hooks: invalid base URL %q", raw)
	}
	return base, nil
}

func safeURLRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune(".-_:/[]~%", r)
}
