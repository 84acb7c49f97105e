package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	// PrimaryDomain is the bridge's canonical domain, eg "fed.brig.example".
	PrimaryDomain string
	// SuperDomain is the suffix under which each protocol gets its own
	// subdomain, with leading dot, eg ".brig.example".
	SuperDomain string
	// OtherDomains are additional domains that serve the bridge.
	OtherDomains []string
	// LocalDomains are development hostnames treated as our own.
	LocalDomains []string

	DomainBlocklist []string
	// LimitedDomains require a follow before we deliver posts from them.
	LimitedDomains []string
	// RedirectAllowlist are external domains the /r/ endpoint may redirect to
	// without a local user.
	RedirectAllowlist []string

	DatabaseURL string
	Port        string

	// QueueSecret authenticates the task dispatcher to the queue endpoints.
	QueueSecret string
	// QueueInline runs task handlers inline instead of enqueuing, for local
	// development.
	QueueInline        bool
	QueueMaxAttempts   int
	QueueRetryInterval time.Duration
	QueuePollInterval  time.Duration
	QueueBatchSize     int

	// MaxObjectBytes caps the serialized size of fetched objects.
	MaxObjectBytes int
	// ObjectRefreshAge is how stale a cached object may get before a load
	// with remote=auto re-fetches it.
	ObjectRefreshAge time.Duration

	SeenCacheSize     int
	ProtocolCacheSize int

	// APPrivateKeyPath and APPublicKeyPath locate the RSA key pair used for
	// ActivityPub HTTP signatures. Generated on first start if missing.
	APPrivateKeyPath string
	APPublicKeyPath  string

	// NostrRelays are the relays the nostr plugin reads from and publishes
	// to; the first one doubles as the shared delivery endpoint.
	NostrRelays []string
	// NostrSecretKey is the hex seed the nostr plugin derives per-user
	// signing keys from.
	NostrSecretKey string
}

// Load reads configuration from environment variables. Exits if required
// variables are missing.
func Load() *Config {
	primary := os.Getenv("PRIMARY_DOMAIN")
	if primary == "" {
		fmt.Fprintln(os.Stderr, "ERROR: PRIMARY_DOMAIN is not set!")
		os.Exit(1)
	}
	super := os.Getenv("SUPER_DOMAIN")
	if super == "" {
		// fed.brig.example → .brig.example
		if i := strings.Index(primary, "."); i >= 0 {
			super = primary[i:]
		} else {
			fmt.Fprintln(os.Stderr, "ERROR: SUPER_DOMAIN is not set and can't be derived!")
			os.Exit(1)
		}
	}
	if !strings.HasPrefix(super, ".") {
		super = "." + super
	}

	return &Config{
		PrimaryDomain:     primary,
		SuperDomain:       super,
		OtherDomains:      parseList(os.Getenv("OTHER_DOMAINS")),
		LocalDomains:      parseList(getEnv("LOCAL_DOMAINS", "localhost,localhost:8080")),
		DomainBlocklist:   parseList(os.Getenv("DOMAIN_BLOCKLIST")),
		LimitedDomains:    parseList(os.Getenv("LIMITED_DOMAINS")),
		RedirectAllowlist: parseList(os.Getenv("REDIRECT_ALLOWLIST")),

		DatabaseURL: getEnv("DATABASE_URL", "brig.db"),
		Port:        getEnv("PORT", "8000"),

		QueueSecret:        os.Getenv("QUEUE_SECRET"),
		QueueInline:        getEnv("QUEUE_INLINE", "false") == "true",
		QueueMaxAttempts:   parseInt(os.Getenv("QUEUE_MAX_ATTEMPTS"), 8),
		QueueRetryInterval: parseDuration(os.Getenv("QUEUE_RETRY_INTERVAL"), time.Minute),
		QueuePollInterval:  parseDuration(os.Getenv("QUEUE_POLL_INTERVAL"), 5*time.Second),
		QueueBatchSize:     parseInt(os.Getenv("QUEUE_BATCH_SIZE"), 50),

		MaxObjectBytes:   parseInt(os.Getenv("MAX_OBJECT_BYTES"), 1<<20),
		ObjectRefreshAge: parseDuration(os.Getenv("OBJECT_REFRESH_AGE"), 30*24*time.Hour),

		SeenCacheSize:     parseInt(os.Getenv("SEEN_CACHE_SIZE"), 100000),
		ProtocolCacheSize: parseInt(os.Getenv("PROTOCOL_CACHE_SIZE"), 20000),

		APPrivateKeyPath: getEnv("AP_PRIVATE_KEY_PATH", "data/ap_private.pem"),
		APPublicKeyPath:  getEnv("AP_PUBLIC_KEY_PATH", "data/ap_public.pem"),

		NostrRelays:    parseList(getEnv("NOSTR_RELAYS", "wss://relay.damus.io")),
		NostrSecretKey: os.Getenv("NOSTR_SECRET_KEY"),
	}
}

// Domains returns every domain the bridge considers its own.
func (c *Config) Domains() []string {
	out := []string{c.PrimaryDomain}
	out = append(out, c.OtherDomains...)
	out = append(out, c.LocalDomains...)
	return out
}

// IsOwnDomain reports whether domain is one of ours, including protocol
// subdomains under the super-domain.
func (c *Config) IsOwnDomain(domain string) bool {
	for _, d := range c.Domains() {
		if domain == d {
			return true
		}
	}
	return strings.HasSuffix(domain, c.SuperDomain)
}

// SubdomainLabel returns the protocol label portion of a bridge subdomain,
// eg "ap" for "ap.brig.example", or "" if domain isn't one.
func (c *Config) SubdomainLabel(domain string) string {
	if domain == c.PrimaryDomain || !strings.HasSuffix(domain, c.SuperDomain) {
		return ""
	}
	return strings.TrimSuffix(domain, c.SuperDomain)
}

// BaseURL constructs an absolute URL on the primary domain from a path.
func (c *Config) BaseURL(path string) string {
	return "https://" + c.PrimaryDomain + path
}

// URL returns the primary domain as a parsed *url.URL.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse("https://" + c.PrimaryDomain)
	return u
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
