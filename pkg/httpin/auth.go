package httpin

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// basicAuthGate wraps a handler, requiring HTTP basic-auth credentials
// validated against an htpasswd-style file of "user:bcrypt-hash" lines.
type basicAuthGate struct {
	path string
}

func newBasicAuthGate(path string) *basicAuthGate {
	return &basicAuthGate{path: path}
}

// authenticate returns true if r carries valid basic-auth credentials.
// On failure the caller is responsible for writing the 401 response.
func (g *basicAuthGate) authenticate(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	hash, ok := g.lookup(user)
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil
}

// lookup linearly scans the auth file for user, per the documented
// design (no in-memory index is built; files are expected to be small
// and to change rarely enough that a full scan per request is fine).
func (g *basicAuthGate) lookup(user string) (hash string, ok bool) {
	f, err := os.Open(g.path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		if line[:idx] == user {
			return line[idx+1:], true
		}
	}
	return "", false
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="User Visible Realm"`)
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprint(w, "401 Unauthorized")
}
