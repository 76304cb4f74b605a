// Package idgen mints message and group room identifiers. The strategy is a
// deployment choice; whatever is picked must never produce '_' for group
// tokens, since room ids use it as a separator.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/nrednav/cuid2"
	"github.com/oklog/ulid/v2"
	"github.com/segmentio/ksuid"
)

// Generator mints ids and checks ids it could have minted.
type Generator interface {
	Generate() (string, error)
	Validate(id string) error
}

const (
	StrategyUUID   = "uuid"
	StrategyULID   = "ulid"
	StrategyKSUID  = "ksuid"
	StrategyNanoID = "nanoid"
	StrategyCUID2  = "cuid2"
)

const (
	defaultNanoIDSize = 21
	// url-safe without '_' so nanoids can be embedded in room ids
	defaultNanoIDAlphabet = "-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	defaultCUID2Length    = 24
)

// Options tunes the parameterised strategies. Zero values pick defaults.
type Options struct {
	NanoIDSize     int    `mapstructure:"nanoid_size"`
	NanoIDAlphabet string `mapstructure:"nanoid_alphabet"`
	CUID2Length    int    `mapstructure:"cuid2_length"`
}

// New returns the generator for strategy. An empty strategy means uuid.
func New(strategy string, opts Options) (Generator, error) {
	switch strategy {
	case "", StrategyUUID:
		return NewUUIDGenerator(), nil
	case StrategyULID:
		return NewULIDGenerator(), nil
	case StrategyKSUID:
		return ksuidGen{}, nil
	case StrategyNanoID:
		return newNanoID(opts.NanoIDSize, opts.NanoIDAlphabet)
	case StrategyCUID2:
		return newCUID2(opts.CUID2Length)
	}
	return nil, fmt.Errorf("unknown id strategy %q", strategy)
}

type uuidGen struct{}

// NewUUIDGenerator mints random v4 UUIDs.
func NewUUIDGenerator() Generator { return uuidGen{} }

func (uuidGen) Generate() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("uuid: %w", err)
	}
	return id.String(), nil
}

func (uuidGen) Validate(id string) error {
	u, err := uuid.Parse(id)
	if err != nil {
		return err
	}
	if u.Version() != 4 {
		return fmt.Errorf("uuid version %d, want 4", u.Version())
	}
	return nil
}

// ULIDGenerator mints ULIDs from monotonic entropy, so ids minted by one
// process within the same millisecond still sort in creation order.
type ULIDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{entropy: ulid.Monotonic(rand.Reader, 0), now: time.Now}
}

func (g *ULIDGenerator) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(g.now()), g.entropy)
	if err != nil {
		return "", fmt.Errorf("ulid: %w", err)
	}
	return id.String(), nil
}

func (g *ULIDGenerator) Validate(id string) error {
	_, err := ulid.ParseStrict(id)
	return err
}

// ULIDTime returns the creation time embedded in a ULID.
func ULIDTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}

type ksuidGen struct{}

func (ksuidGen) Generate() (string, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("ksuid: %w", err)
	}
	return id.String(), nil
}

func (ksuidGen) Validate(id string) error {
	_, err := ksuid.Parse(id)
	return err
}

type nanoIDGen struct {
	size     int
	alphabet string
}

func newNanoID(size int, alphabet string) (nanoIDGen, error) {
	if size == 0 {
		size = defaultNanoIDSize
	}
	if alphabet == "" {
		alphabet = defaultNanoIDAlphabet
	}
	if size < 1 || size > 256 {
		return nanoIDGen{}, fmt.Errorf("nanoid size %d out of range [1,256]", size)
	}
	if len(alphabet) < 2 {
		return nanoIDGen{}, fmt.Errorf("nanoid alphabet needs at least 2 symbols")
	}
	return nanoIDGen{size: size, alphabet: alphabet}, nil
}

func (g nanoIDGen) Generate() (string, error) {
	return gonanoid.Generate(g.alphabet, g.size)
}

func (g nanoIDGen) Validate(id string) error {
	if len(id) != g.size {
		return fmt.Errorf("nanoid length %d, want %d", len(id), g.size)
	}
	if i := strings.IndexFunc(id, func(r rune) bool { return !strings.ContainsRune(g.alphabet, r) }); i >= 0 {
		return fmt.Errorf("nanoid symbol %q not in alphabet", id[i])
	}
	return nil
}

type cuid2Gen struct {
	length int
	next   func() string
}

func newCUID2(length int) (cuid2Gen, error) {
	if length == 0 {
		length = defaultCUID2Length
	}
	next, err := cuid2.Init(cuid2.WithLength(length))
	if err != nil {
		return cuid2Gen{}, fmt.Errorf("cuid2: %w", err)
	}
	return cuid2Gen{length: length, next: next}, nil
}

func (g cuid2Gen) Generate() (string, error) { return g.next(), nil }

func (g cuid2Gen) Validate(id string) error {
	if len(id) != g.length || !cuid2.IsCuid(id) {
		return fmt.Errorf("not a %d character cuid2: %q", g.length, id)
	}
	return nil
}
