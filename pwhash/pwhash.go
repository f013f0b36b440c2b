// Package pwhash hashes and verifies user passwords.
//
// New hashes are always argon2id, encoded in the passlib/PHC string format.
// Verification additionally accepts bcrypt hashes ("$2a$", "$2b$", "$2y$"),
// which is what accounts imported from the previous transit service carry.
package pwhash

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strconv"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// params represents the argon2id parameters used to hash a password.
type params struct {
	time    uint32
	memory  uint32
	threads uint8
}

// Upper bounds on parameters we're willing to honour when verifying a stored
// hash. A hash claiming more than this is treated as invalid instead of
// letting it allocate gigabytes of memory.
const (
	maxTime    = 16
	maxMemory  = 1024 * 1024 // KiB; 1 GiB
	maxThreads = 64
)

// Hasher hashes passwords with a fixed set of argon2id parameters. At most
// maxConcurrent hash operations run at once; further callers block.
//
// A Hasher is safe for concurrent use.
type Hasher struct {
	sema   chan struct{}
	params params
}

const (
	keyLen        = 16
	saltLen       = 16
	maxConcurrent = 2
)

// ErrMismatch is returned by Check when the password does not match.
var ErrMismatch = errors.New("pwhash: password does not match")

// New returns a Hasher using the given argon2id parameters. Memory is in KiB.
func New(time, memory uint32, threads uint8) *Hasher {
	return &Hasher{
		sema: make(chan struct{}, maxConcurrent),
		params: params{
			time:    time,
			memory:  memory,
			threads: threads,
		},
	}
}

func (h *Hasher) acquire() func() {
	h.sema <- struct{}{}
	return func() { <-h.sema }
}

// Hash hashes the password with a fresh random salt and returns the encoded
// hash.
func (h *Hasher) Hash(password []byte) []byte {
	defer h.acquire()()

	var salt [saltLen]byte
	if _, err := rand.Read(salt[:]); err != nil {
		panic(err) // never fails on supported platforms
	}

	hash := argon2.IDKey(password, salt[:], h.params.time, h.params.memory, h.params.threads, keyLen)
	return h.params.format(salt[:], hash)
}

// HashString is the same as Hash but it takes and returns a string.
func (h *Hasher) HashString(password string) string {
	return string(h.Hash([]byte(password)))
}

// Verify reports whether password matches the encoded hash. Malformed hashes
// never match.
func (h *Hasher) Verify(password, encoded []byte) bool {
	if isBcrypt(encoded) {
		defer h.acquire()()
		return bcrypt.CompareHashAndPassword(encoded, password) == nil
	}

	p, salt, want := splitHash(encoded)
	if salt == nil {
		return false
	}
	if p.time > maxTime || p.memory > maxMemory || p.threads > maxThreads {
		return false
	}

	defer h.acquire()()
	got := argon2.IDKey(password, salt, p.time, p.memory, p.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1
}

// Check is Verify for strings, returning ErrMismatch on failure.
func (h *Hasher) Check(password, encoded string) error {
	if !h.Verify([]byte(password), []byte(encoded)) {
		return ErrMismatch
	}
	return nil
}

func isBcrypt(encoded []byte) bool {
	return bytes.HasPrefix(encoded, []byte("$2a$")) ||
		bytes.HasPrefix(encoded, []byte("$2b$")) ||
		bytes.HasPrefix(encoded, []byte("$2y$"))
}

// format encodes the hash like passlib does:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<base64(salt)>$<base64(hash)>
func (p params) format(salt, hash []byte) []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, "$argon2id$v=19$m="...)
	buf = strconv.AppendUint(buf, uint64(p.memory), 10)
	buf = append(buf, ",t="...)
	buf = strconv.AppendUint(buf, uint64(p.time), 10)
	buf = append(buf, ",p="...)
	buf = strconv.AppendUint(buf, uint64(p.threads), 10)
	buf = append(buf, '$')
	buf = base64.RawStdEncoding.AppendEncode(buf, salt)
	buf = append(buf, '$')
	buf = base64.RawStdEncoding.AppendEncode(buf, hash)
	return buf
}

// splitHash parses an encoded argon2id hash into its parameters, salt and
// key. The salt is nil if the input is malformed.
func splitHash(input []byte) (params, []byte, []byte) {
	fields := bytes.Split(input, []byte{'$'})
	if len(fields) != 6 || len(fields[0]) != 0 {
		return params{}, nil, nil
	}
	if string(fields[1]) != "argon2id" || string(fields[2]) != "v=19" {
		return params{}, nil, nil
	}

	var (
		p    params
		seen int
	)
	for _, kv := range bytes.Split(fields[3], []byte{','}) {
		k, v, ok := bytes.Cut(kv, []byte{'='})
		if !ok {
			return params{}, nil, nil
		}
		var bits int
		switch string(k) {
		case "m", "t":
			bits = 32
		case "p":
			bits = 8
		default:
			return params{}, nil, nil
		}
		n, err := strconv.ParseUint(string(v), 10, bits)
		if err != nil || n == 0 {
			return params{}, nil, nil
		}
		switch string(k) {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			p.threads = uint8(n)
		}
		seen++
	}
	if seen != 3 || p.memory == 0 || p.time == 0 || p.threads == 0 {
		return params{}, nil, nil
	}

	salt, err := base64.RawStdEncoding.DecodeString(string(fields[4]))
	if err != nil || len(salt) == 0 {
		return params{}, nil, nil
	}
	hash, err := base64.RawStdEncoding.DecodeString(string(fields[5]))
	if err != nil || len(hash) == 0 {
		return params{}, nil, nil
	}
	return p, salt, hash
}
