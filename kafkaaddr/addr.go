// Package kafkaaddr translates broker URLs and credential variants into the
// settings the franz-go client expects, matching the "Addressing & Auth
// Adapter" component of the Kafka transport core.
package kafkaaddr

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/kerberos"
	"github.com/twmb/franz-go/pkg/sasl/oauth"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/afikmenashe/alerting-platform/pkg/streamkafka"
)

// DefaultPort is the Kafka broker's conventional listening port.
const DefaultPort = "9092"

// DefaultHost is used when a URL carries no host component.
const DefaultHost = "127.0.0.1"

// ServerList maps each of urls to a "host:port" bootstrap string suitable
// for kgo.SeedBrokers. IPv6 hosts are bracketed. A URL with no port uses
// defaultPort; a URL with no host uses DefaultHost.
func ServerList(urls []string, defaultPort string) ([]string, error) {
	if defaultPort == "" {
		defaultPort = DefaultPort
	}

	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		host, port, err := splitHostPort(raw)
		if err != nil {
			return nil, fmt.Errorf("kafkaaddr: parsing broker url %q: %w", raw, err)
		}
		if host == "" {
			host = DefaultHost
		}
		if port == "" {
			port = defaultPort
		}
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			host = "[" + host + "]"
		}
		out = append(out, net.JoinHostPort(trimBrackets(host), port))
	}
	return out, nil
}

// splitHostPort accepts bare "host:port", bare "host", and full URLs
// ("kafka://host:port", "ssl://host"), returning host and port separately
// (either may be empty).
func splitHostPort(raw string) (host, port string, err error) {
	candidate := raw
	if strings.Contains(candidate, "://") {
		u, err := url.Parse(candidate)
		if err != nil {
			return "", "", err
		}
		candidate = u.Host
		if candidate == "" {
			candidate = u.Opaque
		}
	}

	if candidate == "" {
		return "", "", nil
	}

	// IPv6 literal without explicit port, e.g. "::1" or "[::1]".
	if strings.Count(candidate, ":") > 1 && !strings.Contains(candidate, "]") {
		return candidate, "", nil
	}

	h, p, splitErr := net.SplitHostPort(candidate)
	if splitErr != nil {
		// No port present at all.
		return trimBrackets(candidate), "", nil
	}
	return h, p, nil
}

func trimBrackets(host string) string {
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

// BrokerOpts is the set of franz-go client options derived from a
// Credentials value and an optional TLS context. franz-go is configured
// through functional options rather than a map, so this struct is unpacked
// into []kgo.Opt by Options().
type BrokerOpts struct {
	tlsConfig *tls.Config
	mechanism sasl.Mechanism
}

// CredentialsToSettings builds the broker client settings for creds. When
// both creds and tlsContext are nil/zero this is PLAINTEXT with no SASL.
func CredentialsToSettings(creds *streamkafka.Credentials, tlsContext *tls.Config) (BrokerOpts, error) {
	opts := BrokerOpts{tlsConfig: tlsContext}
	if creds == nil {
		return opts, nil
	}

	switch creds.Kind {
	case streamkafka.CredentialsNone:
		// TLS-only (SSL) variant: nothing further to configure.
	case streamkafka.CredentialsSASLPlain:
		if creds.Username == "" {
			return BrokerOpts{}, fmt.Errorf("kafkaaddr: %w: SASL-PLAIN requires a username", streamkafka.ErrImproperlyConfigured)
		}
		opts.mechanism = plain.Auth{User: creds.Username, Pass: creds.Password}.AsMechanism()
	case streamkafka.CredentialsSASLOAuth:
		if creds.TokenFunc == nil {
			return BrokerOpts{}, fmt.Errorf("kafkaaddr: %w: SASL-OAUTH requires a token callback", streamkafka.ErrImproperlyConfigured)
		}
		opts.mechanism = oauth.Oauth(func(context.Context) (oauth.Auth, error) {
			tok, err := creds.TokenFunc()
			if err != nil {
				return oauth.Auth{}, err
			}
			return oauth.Auth{Token: tok}, nil
		})
	case streamkafka.CredentialsSASLGSSAPI:
		if creds.ServiceName == "" {
			return BrokerOpts{}, fmt.Errorf("kafkaaddr: %w: SASL-GSSAPI requires a service name", streamkafka.ErrImproperlyConfigured)
		}
		opts.mechanism = kerberos.Auth{
			Service: creds.ServiceName,
			Realm:   creds.DomainName,
		}.AsMechanism()
	default:
		return BrokerOpts{}, fmt.Errorf("kafkaaddr: %w: unknown credentials kind %d", streamkafka.ErrImproperlyConfigured, creds.Kind)
	}

	return opts, nil
}

// Options renders the BrokerOpts into functional options for kgo.NewClient.
func (b BrokerOpts) Options() []kgo.Opt {
	var opts []kgo.Opt
	if b.tlsConfig != nil {
		opts = append(opts, kgo.DialTLSConfig(b.tlsConfig))
	}
	if b.mechanism != nil {
		opts = append(opts, kgo.SASL(b.mechanism))
	}
	return opts
}

// ParsePort is a small helper used by callers validating a user-supplied
// default port before passing it to ServerList.
func ParsePort(port string) (int, error) {
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0, fmt.Errorf("kafkaaddr: invalid port %q: %w", port, err)
	}
	return n, nil
}
