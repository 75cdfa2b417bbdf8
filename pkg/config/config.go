package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
)

// Config is an in memory representation of the node configuration file
type Config struct {
	Swarm     *SwarmConfig     `toml:"swarm"`
	Bootstrap *BootstrapConfig `toml:"bootstrap"`
	Datastore *DatastoreConfig `toml:"datastore"`
	Store     *StoreConfig     `toml:"store"`
	Exchange  *ExchangeConfig  `toml:"exchange"`
	Metrics   *MetricsConfig   `toml:"metrics"`
}

// Duration is a time.Duration that reads and writes as a string such as "20s".
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// SwarmConfig holds all configuration options related to the swarm.
type SwarmConfig struct {
	ListenAddresses   []string `toml:"listenAddresses"`
	PublicAddresses   []string `toml:"publicAddresses"`
	HandshakeTimeout  Duration `toml:"handshakeTimeout"`
	EventBuffer       int      `toml:"eventBuffer"`
	DHTProtocolPrefix string   `toml:"dhtProtocolPrefix"`
	Offline           bool     `toml:"offline"`
	ConnMgrLow        int      `toml:"connMgrLow"`
	ConnMgrHigh       int      `toml:"connMgrHigh"`
	ConnMgrGrace      Duration `toml:"connMgrGrace"`
}

func newDefaultSwarmConfig() *SwarmConfig {
	return &SwarmConfig{
		ListenAddresses:   []string{"/ip4/0.0.0.0/tcp/0"},
		PublicAddresses:   []string{},
		HandshakeTimeout:  Duration(20 * time.Second),
		EventBuffer:       256,
		DHTProtocolPrefix: "/ipfs",
		ConnMgrLow:        50,
		ConnMgrHigh:       200,
		ConnMgrGrace:      Duration(20 * time.Second),
	}
}

// BootstrapConfig holds all configuration options related to bootstrap nodes
type BootstrapConfig struct {
	Addresses []string `toml:"addresses"`
}

func newDefaultBootstrapConfig() *BootstrapConfig {
	return &BootstrapConfig{
		Addresses: []string{},
	}
}

// DatastoreConfig holds all the configuration options for the datastore.
type DatastoreConfig struct {
	Type string `toml:"type"`
	Path string `toml:"path"`
}

func newDefaultDatastoreConfig() *DatastoreConfig {
	return &DatastoreConfig{
		Type: "badgerds",
		Path: "badger",
	}
}

// StoreConfig tunes the block store.
type StoreConfig struct {
	MetadataCacheSize int `toml:"metadataCacheSize"`
	IntentBuffer      int `toml:"intentBuffer"`
}

func newDefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		MetadataCacheSize: 4096,
		IntentBuffer:      64,
	}
}

// Peer selection strategies for provider results.
const (
	PeerSelectionFirst  = "first"
	PeerSelectionRandom = "random"
)

// Policies applied when a provider query finds nobody.
const (
	NoProvidersFail   = "fail"
	NoProvidersRetry  = "retry"
	NoProvidersIgnore = "ignore"
)

// NoProvidersConfig decides what happens to a pending want nobody can serve.
type NoProvidersConfig struct {
	Policy      string `toml:"policy"`
	MaxAttempts int    `toml:"maxAttempts"`
}

// ExchangeConfig holds the options of the block exchange.
type ExchangeConfig struct {
	WantPriority         int32              `toml:"wantPriority"`
	PeerSelection        string             `toml:"peerSelection"`
	NoProviders          *NoProvidersConfig `toml:"noProviders"`
	ProviderQueryTimeout Duration           `toml:"providerQueryTimeout"`
	MaxProviders         int                `toml:"maxProviders"`
	ReprovideInterval    Duration           `toml:"reprovideInterval"`
}

func newDefaultExchangeConfig() *ExchangeConfig {
	return &ExchangeConfig{
		WantPriority:  1000,
		PeerSelection: PeerSelectionFirst,
		NoProviders: &NoProvidersConfig{
			Policy:      NoProvidersFail,
			MaxAttempts: 3,
		},
		ProviderQueryTimeout: Duration(30 * time.Second),
		MaxProviders:         10,
		ReprovideInterval:    Duration(12 * time.Hour),
	}
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}

func newDefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled: false,
		Address: "127.0.0.1:9465",
	}
}

// NewDefaultConfig returns a config object with all the fields filled out to
// their default values
func NewDefaultConfig() *Config {
	return &Config{
		Swarm:     newDefaultSwarmConfig(),
		Bootstrap: newDefaultBootstrapConfig(),
		Datastore: newDefaultDatastoreConfig(),
		Store:     newDefaultStoreConfig(),
		Exchange:  newDefaultExchangeConfig(),
		Metrics:   newDefaultMetricsConfig(),
	}
}

// Validate checks values that toml decoding alone cannot.
func (cfg *Config) Validate() error {
	if _, err := ParseMultiaddrs(cfg.Swarm.ListenAddresses); err != nil {
		return errors.Wrap(err, "swarm.listenAddresses")
	}
	if len(cfg.Swarm.ListenAddresses) == 0 {
		return errors.New("swarm.listenAddresses: at least one address is required")
	}
	if _, err := ParseMultiaddrs(cfg.Swarm.PublicAddresses); err != nil {
		return errors.Wrap(err, "swarm.publicAddresses")
	}
	if cfg.Swarm.HandshakeTimeout <= 0 {
		return errors.New("swarm.handshakeTimeout must be positive")
	}
	if cfg.Swarm.ConnMgrLow < 0 || cfg.Swarm.ConnMgrHigh < cfg.Swarm.ConnMgrLow {
		return errors.New("swarm.connMgrHigh must not be below swarm.connMgrLow")
	}
	switch cfg.Exchange.PeerSelection {
	case PeerSelectionFirst, PeerSelectionRandom:
	default:
		return fmt.Errorf("exchange.peerSelection: unknown strategy %q", cfg.Exchange.PeerSelection)
	}
	switch cfg.Exchange.NoProviders.Policy {
	case NoProvidersFail, NoProvidersRetry, NoProvidersIgnore:
	default:
		return fmt.Errorf("exchange.noProviders.policy: unknown policy %q", cfg.Exchange.NoProviders.Policy)
	}
	if cfg.Exchange.NoProviders.Policy == NoProvidersFail && cfg.Exchange.NoProviders.MaxAttempts < 1 {
		return errors.New("exchange.noProviders.maxAttempts must be at least 1")
	}
	switch cfg.Datastore.Type {
	case "badgerds", "memory":
	default:
		return fmt.Errorf("datastore.type: unsupported datastore %q", cfg.Datastore.Type)
	}
	return nil
}

// ParseMultiaddrs parses every string as a multiaddr.
func ParseMultiaddrs(addrs []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid multiaddr %q", s)
		}
		out = append(out, a)
	}
	return out, nil
}

// WriteFile writes the config to the given filepath.
func (cfg *Config) WriteFile(file string) error {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(*cfg); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

// ReadFile reads a config file from disk. Sections missing from the file
// keep their defaults.
func ReadFile(file string) (*Config, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint: errcheck

	cfg := NewDefaultConfig()
	if _, err := toml.DecodeReader(f, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// traverseConfig contains the shared traversal logic for getting and setting
// config values.  It uses reflection to find the sub-struct referenced by `key`
// and applies a processing function to the referenced struct
func (cfg *Config) traverseConfig(key string,
	f func(reflect.Value, string) (interface{}, error)) (interface{}, error) {
	v := reflect.Indirect(reflect.ValueOf(cfg))
	keyTags := strings.Split(key, ".")
OUTER:
	for j, keyTag := range keyTags {
		switch v.Type().Kind() {
		case reflect.Struct:
			for i := 0; i < v.NumField(); i++ {
				tomlTag := strings.Split(
					v.Type().Field(i).Tag.Get("toml"),
					",")[0]
				if tomlTag == keyTag {
					v = v.Field(i)
					if j == len(keyTags)-1 {
						return f(v, key)
					}
					v = reflect.Indirect(v) // only attempt one dereference
					continue OUTER
				}
			}
		case reflect.Array, reflect.Slice:
			i64, err := strconv.ParseUint(keyTag, 0, 0)
			if err != nil {
				return nil, fmt.Errorf("non-integer key into slice")
			}
			i := int(i64)
			if i > v.Len()-1 {
				return nil, fmt.Errorf("key into slice out of range")
			}
			v = v.Index(i)
			if j == len(keyTags)-1 {
				return f(v, key)
			}
			v = reflect.Indirect(v) // only attempt one dereference
			continue OUTER
		}

		return nil, fmt.Errorf("key: %s invalid for config", key)
	}
	// Cannot get here as len(strings.Split(s, sep)) >= 1 with non-empty sep
	return nil, fmt.Errorf("empty key is invalid")
}

// prependKey includes the TOML key in the tomlVal blob necessary for correct
// marshaling.  Ordinary tables require "[key]\n" prepended.  All others,
// including inline tables and arrays require "k = " prepended, where k is the
// last period separated substring of key.
func prependKey(tomlVal string, key string, fieldT reflect.Type) string {
	ks := strings.Split(key, ".")
	k := ks[len(ks)-1]
	fieldK := fieldT.Kind()
	if fieldK == reflect.Ptr {
		fieldK = fieldT.Elem().Kind() // only attempt one dereference
	}

	switch fieldK {
	case reflect.Struct:
		tomlVal = strings.TrimSpace(tomlVal)
		// inline table
		if strings.HasPrefix(tomlVal, "{") {
			return fmt.Sprintf("%s=%s", k, tomlVal)
		}
		return fmt.Sprintf("[%s]\n%s", k, tomlVal)
	default:
		return fmt.Sprintf("%s=%s", k, tomlVal)
	}
}

// fieldToSet calculates the reflector Value to set the config at the given key
// based on the user provided toml blob.
func fieldToSet(key string, tomlVal string, fieldT reflect.Type) (reflect.Value, error) {
	// set up a struct with this field for unmarshaling
	tomlValKey := prependKey(tomlVal, key, fieldT)
	ks := strings.Split(key, ".")
	k := ks[len(ks)-1]

	field := reflect.StructField{
		Name: "Field",
		Type: fieldT,
		Tag:  reflect.StructTag("toml:" + "\"" + k + "\""),
	}
	recvT := reflect.StructOf([]reflect.StructField{field})
	valToRecv := reflect.New(recvT)

	_, err := toml.Decode(tomlValKey, valToRecv.Interface())
	if err != nil {
		msg := fmt.Sprintf("input could not be marshaled to sub-config at: %s", key)
		return valToRecv, errors.Wrap(err, msg)
	}
	return valToRecv.Elem().Field(0), nil
}

// Set sets the config sub-struct referenced by `key`, e.g. 'swarm.offline'
// or 'datastore' to the toml key value pair encoded in tomlVal.  Note, Set
// only handles arrays of tables specified in inline format
func (cfg *Config) Set(key string, tomlVal string) (interface{}, error) {
	f := func(v reflect.Value, key string) (interface{}, error) {
		// dereference pointer types for marshaling
		setT := v.Type()
		var recvT reflect.Type
		if setT.Kind() == reflect.Ptr {
			recvT = setT.Elem()
		} else {
			recvT = setT
		}

		valToSet, err := fieldToSet(key, tomlVal, recvT)
		if err != nil {
			return nil, err
		}
		// add pointers back for setting
		if setT.Kind() == reflect.Ptr {
			valToSet = valToSet.Addr()
		}

		v.Set(valToSet)

		return v.Interface(), nil
	}

	return cfg.traverseConfig(key, f)
}

// Get gets the config sub-struct referenced by `key`, e.g. 'swarm.listenAddresses'
func (cfg *Config) Get(key string) (interface{}, error) {
	f := func(v reflect.Value, key string) (interface{}, error) {
		return v.Interface(), nil
	}

	return cfg.traverseConfig(key, f)
}
