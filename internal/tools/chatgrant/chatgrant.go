// Package chatgrant generates grant secrets and signs room grants for local
// chat development.
package chatgrant

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/louisbranch/wayfarer/internal/platform/config"
	"github.com/louisbranch/wayfarer/internal/services/chat/identity"
)

// Config holds configuration for grant generation.
type Config struct {
	Secret string `env:"WAYFARER_CHAT_GRANT_SECRET"`
	Issuer string `env:"WAYFARER_CHAT_GRANT_ISSUER" envDefault:"wayfarer-identity"`

	NewSecret bool
	Bytes     int
	UserID    string
	Rooms     string
	TTL       time.Duration
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: 32, TTL: time.Hour}
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.BoolVar(&cfg.NewSecret, "new-secret", cfg.NewSecret, "print a fresh grant secret instead of a grant")
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random secret bytes (default: 32)")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "grant signing secret")
	fs.StringVar(&cfg.Issuer, "issuer", cfg.Issuer, "grant issuer")
	fs.StringVar(&cfg.UserID, "user", cfg.UserID, "user id the grant is issued to")
	fs.StringVar(&cfg.Rooms, "rooms", cfg.Rooms, "comma-separated room ids, or * for every room")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "grant lifetime")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run writes a secret or a signed grant to out.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if cfg.NewSecret {
		return writeSecret(cfg.Bytes, out, reader)
	}

	if err := config.RequireOneOf([]string{"-secret", "WAYFARER_CHAT_GRANT_SECRET"}, cfg.Secret); err != nil {
		return err
	}
	rooms := splitRooms(cfg.Rooms)
	if len(rooms) == 0 {
		return errors.New("at least one room is required")
	}
	issuer, err := identity.NewGrantIssuer(identity.GrantConfig{
		Secret: []byte(strings.TrimSpace(cfg.Secret)),
		Issuer: cfg.Issuer,
	})
	if err != nil {
		return err
	}
	token, err := issuer.Issue(cfg.UserID, rooms, cfg.TTL)
	if err != nil {
		return fmt.Errorf("issue grant: %w", err)
	}
	_, err = fmt.Fprintf(out, "WAYFARER_CHAT_TOKEN=%s\n", token)
	return err
}

func writeSecret(n int, out io.Writer, reader io.Reader) error {
	if n < 16 {
		return errors.New("bytes must be at least 16")
	}
	if reader == nil {
		reader = rand.Reader
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	_, err := fmt.Fprintf(out, "WAYFARER_CHAT_GRANT_SECRET=%s\n", hex.EncodeToString(buf))
	return err
}

func splitRooms(value string) []string {
	var rooms []string
	for room := range strings.SplitSeq(value, ",") {
		if room = strings.TrimSpace(room); room != "" {
			rooms = append(rooms, room)
		}
	}
	return rooms
}
