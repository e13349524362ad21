package heartbeat

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ProtocolVersion is the Classic protocol version announced to the directory.
const ProtocolVersion = 7

// Status is the live server state a heartbeat reports.
type Status struct {
	Name       string
	Address    string
	Port       int
	Players    int
	MaxPlayers int
	Public     bool
}

// Source supplies Status at the start of every cycle.
type Source interface {
	HeartbeatStatus() Status
}

type SourceFunc func() Status

func (f SourceFunc) HeartbeatStatus() Status {
	return f()
}

// Snapshot is the data sent in one heartbeat. It is not modified after the
// sending hooks have run.
type Snapshot struct {
	Status
	Version int
	Salt    string
	extra   map[string]string
}

// Extra returns a copy of the fields contributed by hooks.
func (s Snapshot) Extra() map[string]string {
	out := make(map[string]string, len(s.extra))
	for k, v := range s.extra {
		out[k] = v
	}
	return out
}

// Values encodes the snapshot as form fields. Extra fields never replace the
// core ones.
func (s Snapshot) Values() url.Values {
	v := url.Values{}
	for k, val := range s.extra {
		v.Set(k, val)
	}
	v.Set("public", strconv.FormatBool(s.Public))
	v.Set("max", strconv.Itoa(s.MaxPlayers))
	v.Set("users", strconv.Itoa(s.Players))
	v.Set("port", strconv.Itoa(s.Port))
	v.Set("version", strconv.Itoa(s.Version))
	v.Set("salt", s.Salt)
	v.Set("name", s.Name)
	return v
}

// StatusLines is the content of the local status file, one field per line.
func (s Snapshot) StatusLines() []string {
	lines := []string{
		s.Salt,
		s.Address,
		strconv.Itoa(s.Port),
		strconv.Itoa(s.Players),
		strconv.Itoa(s.MaxPlayers),
		s.Name,
		strconv.FormatBool(s.Public),
	}
	keys := make([]string, 0, len(s.extra))
	for k := range s.extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+"="+s.extra[k])
	}
	return lines
}

func (s Snapshot) statusFile() []byte {
	return []byte(strings.Join(s.StatusLines(), "\n") + "\n")
}

// SendingEvent is passed to sending hooks. Hooks may add fields or cancel the
// network attempt for this cycle.
type SendingEvent struct {
	snapshot *Snapshot
	Cancel   bool
}

func (e *SendingEvent) Snapshot() Snapshot {
	return *e.snapshot
}

func (e *SendingEvent) Set(key, value string) {
	if e.snapshot.extra == nil {
		e.snapshot.extra = make(map[string]string)
	}
	e.snapshot.extra[key] = value
}

const saltAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NewSalt returns a random 32 character string used to verify player names.
func NewSalt() (string, error) {
	var sb strings.Builder
	limit := big.NewInt(int64(len(saltAlphabet)))
	for i := 0; i < 32; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate salt: %w", err)
		}
		sb.WriteByte(saltAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// VerifyName checks the key a client received from the directory, which is
// the hex md5 of salt followed by the player name.
func VerifyName(salt, name, key string) bool {
	sum := md5.Sum([]byte(salt + name))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(key)))) == 1
}
