package identity

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// fingerprintLength matches the 32 hex character ids browsers produce.
const fingerprintLength = 32

// HostFingerprinter derives an id from stable attributes of the machine the
// capture runs on. Salt, when set, keys the hash so ids can't be recomputed
// from the attributes alone.
type HostFingerprinter struct {
	Salt []byte
}

func (h HostFingerprinter) Fingerprint(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to read hostname: %w", err)
	}

	parts := []string{hostname, runtime.GOOS, runtime.GOARCH}
	if u, err := user.Current(); err == nil {
		parts = append(parts, u.Uid, u.Username)
	}
	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		parts = append(parts, strings.TrimSpace(string(machineID)))
	}

	return hashParts(h.Salt, parts)
}

// ChatFingerprinter derives an id for a chat user. The platform prefix keeps
// ids from different front-ends apart.
type ChatFingerprinter struct {
	Platform string
	UserID   int64
	Salt     []byte
}

func (c ChatFingerprinter) Fingerprint(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.UserID == 0 {
		return "", fmt.Errorf("chat user id is missing")
	}
	return hashParts(c.Salt, []string{c.Platform, strconv.FormatInt(c.UserID, 10)})
}

func hashParts(salt []byte, parts []string) (string, error) {
	h, err := blake2b.New256(salt)
	if err != nil {
		return "", fmt.Errorf("failed to create hash: %w", err)
	}
	for _, p := range parts {
		// Length prefix prevents boundary collisions between parts
		fmt.Fprintf(h, "%d:%s;", len(p), p)
	}
	return hex.EncodeToString(h.Sum(nil))[:fingerprintLength], nil
}
