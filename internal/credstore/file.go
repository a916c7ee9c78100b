package credstore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// Entry is one username:hash line of the credential file.
type Entry struct {
	Username string
	Hash     string
}

// line is a physical line of the credential file. Comments and blank lines
// have an empty username and are written back verbatim.
type line struct {
	raw      string
	username string
	hash     string
}

// passwdFile is the parsed credential file.
type passwdFile struct {
	lines []line
}

// readPasswdFile parses the credential file. A missing file is empty.
func readPasswdFile(path string) (*passwdFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &passwdFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	return parsePasswd(data), nil
}

func parsePasswd(data []byte) *passwdFile {
	f := &passwdFile{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		raw := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			f.lines = append(f.lines, line{raw: raw})
			continue
		}
		username, hash, ok := strings.Cut(trimmed, ":")
		if !ok || username == "" {
			// Unparseable lines are kept so a rewrite never loses data.
			f.lines = append(f.lines, line{raw: raw})
			continue
		}
		f.lines = append(f.lines, line{raw: raw, username: username, hash: hash})
	}
	return f
}

func (f *passwdFile) entries() []Entry {
	out := make([]Entry, 0, len(f.lines))
	for _, l := range f.lines {
		if l.username != "" {
			out = append(out, Entry{Username: l.username, Hash: l.hash})
		}
	}
	return out
}

func (f *passwdFile) find(username string) int {
	for i, l := range f.lines {
		if l.username == username {
			return i
		}
	}
	return -1
}

// set replaces the entry for username, or appends one.
func (f *passwdFile) set(username, hash string) {
	l := line{raw: username + ":" + hash, username: username, hash: hash}
	if i := f.find(username); i >= 0 {
		f.lines[i] = l
		return
	}
	f.lines = append(f.lines, l)
}

// remove deletes every entry for username and reports whether one existed.
func (f *passwdFile) remove(username string) bool {
	kept := f.lines[:0]
	removed := false
	for _, l := range f.lines {
		if l.username == username {
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	f.lines = kept
	return removed
}

func (f *passwdFile) bytes() []byte {
	var buf bytes.Buffer
	for _, l := range f.lines {
		fmt.Fprintln(&buf, l.raw)
	}
	return buf.Bytes()
}
