// Generates keys for the config file and issues session tokens.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinode/topicsync/server/auth/token"
	"github.com/tinode/topicsync/server/store/types"
)

const (
	// Size of the XTEA key used by the entry ID generator, store_config.uid_key.
	uidKeyLength = 16
	// Size of the HMAC key of the token resolver, auth_config.token.key.
	tokenKeyLength = 32
)

func main() {
	var kind = flag.String("kind", "", "Generate a new key: 'uid' for store_config.uid_key, 'token' for auth_config key")
	var ident = flag.String("ident", "", "Issue a session token for this identity")
	var key = flag.String("key", "", "Base64-encoded token key (as in the config) used to sign or validate tokens")
	var serial = flag.Int("serial", 0, "Serial number of tokens")
	var expire = flag.Duration("expire", 24*time.Hour, "Lifetime of the issued token")
	var secret = flag.String("validate", "", "Session token to validate")

	flag.Parse()

	var exitCode int
	switch {
	case *kind != "":
		exitCode = generate(os.Stdout, rand.Reader, *kind)
	case *ident != "":
		exitCode = issue(os.Stdout, *key, *serial, *ident, *expire)
	case *secret != "":
		exitCode = validate(os.Stdout, *key, *serial, *secret)
	default:
		flag.Usage()
		exitCode = 1
	}
	os.Exit(exitCode)
}

func generate(out io.Writer, src io.Reader, kind string) int {
	var size int
	switch kind {
	case "uid":
		size = uidKeyLength
	case "token":
		size = tokenKeyLength
	default:
		fmt.Fprintln(out, "unknown key kind", kind)
		return 1
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(src, data); err != nil {
		fmt.Fprintln(out, "failed to generate key:", err)
		return 1
	}
	// The config decodes []byte from standard base64.
	fmt.Fprintf(out, "%s key: %s\n", kind, base64.StdEncoding.EncodeToString(data))
	return 0
}

func newResolver(key string, serial int) (*token.Resolver, error) {
	if key == "" {
		return nil, fmt.Errorf("-key is required")
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	conf, _ := json.Marshal(map[string]any{"key": raw, "serial_num": serial, "expire_in": 3600})
	tr := &token.Resolver{}
	if err = tr.Init(conf); err != nil {
		return nil, err
	}
	return tr, nil
}

func issue(out io.Writer, key string, serial int, ident string, lifetime time.Duration) int {
	tr, err := newResolver(key, serial)
	if err != nil {
		fmt.Fprintln(out, err)
		return 1
	}
	secret, expires, err := tr.GenSecret(types.Identity(ident), lifetime)
	if err != nil {
		fmt.Fprintln(out, "failed to issue token:", err)
		return 1
	}
	fmt.Fprintf(out, "token for '%s', expires %s: %s\n", ident, expires.Format(time.RFC3339), secret)
	return 0
}

func validate(out io.Writer, key string, serial int, secret string) int {
	tr, err := newResolver(key, serial)
	if err != nil {
		fmt.Fprintln(out, err)
		return 1
	}
	ident, err := tr.ResolveIdentity(secret)
	if err != nil {
		fmt.Fprintln(out, "INVALID:", err)
		return 1
	}
	fmt.Fprintf(out, "valid, identity '%s'\n", ident)
	return 0
}
