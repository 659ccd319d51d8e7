// Utilities for reading the actioncache config files.

package core

import (
	"encoding"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/please-build/gcfg"

	"github.com/thought-machine/actioncache/src/cli"
	"github.com/thought-machine/actioncache/src/cli/logging"
)

var log = logging.Log

// ConfigFileName is the file name for the typical config - this is normally checked in
const ConfigFileName string = ".actioncacheconfig"

// LocalConfigFileName is the file name for the local config - this is not normally checked in and used to
// override settings on the local machine.
const LocalConfigFileName string = ".actioncacheconfig.local"

// MachineConfigFileName is the machine-level config - can use this to override things
// for a particular machine (eg. CI workers pointing at a closer cache).
const MachineConfigFileName = "/etc/actioncacheconfig"

// DefaultTimeout is the per-RPC deadline used when none is configured.
const DefaultTimeout = 60 * time.Second

// DefaultChunkSize is the size of each ByteStream write request when none is configured.
const DefaultChunkSize = cli.MiByte

// Configuration is the parsed form of a config file.
type Configuration struct {
	Remote struct {
		URL                  string       `help:"URL of the remote server, as host:port."`
		Instance             string       `help:"Instance name to prefix onto all resource names and requests."`
		Secure               bool         `help:"Whether to use TLS when connecting to the server."`
		TokenFile            string       `help:"File containing a bearer token that is sent with each request."`
		Timeout              cli.Duration `help:"Deadline applied to each individual RPC."`
		ChunkSize            cli.ByteSize `help:"Maximum size of each ByteStream write request."`
		HashFunction         string       `help:"Hash function used to digest content. One of sha256 or sha1."`
		WorkDir              string       `help:"Directory that cached outputs are downloaded into."`
		NumTransfers         int          `help:"Maximum number of concurrent blob transfers per call. Zero means unbounded."`
		FindMissingBatchSize int          `help:"Maximum number of digests sent in a single FindMissingBlobs request."`
	}
	Metrics struct {
		PushGatewayURL cli.URL      `help:"URL of a Prometheus pushgateway to send metrics to."`
		PushTimeout    cli.Duration `help:"Timeout for pushing metrics."`
	}
}

// DefaultConfiguration returns the default configuration object with no overrides.
func DefaultConfiguration() *Configuration {
	config := Configuration{}
	config.Remote.Timeout = cli.Duration(DefaultTimeout)
	config.Remote.ChunkSize = DefaultChunkSize
	config.Remote.HashFunction = "sha256"
	config.Remote.WorkDir = filepath.Join(os.TempDir(), "actioncache")
	config.Remote.FindMissingBatchSize = 10000
	config.Metrics.PushTimeout = cli.Duration(2 * time.Second)
	return &config
}

func readConfigFile(config *Configuration, filename string) error {
	if err := gcfg.ReadFileInto(config, filename); err != nil && os.IsNotExist(err) {
		return nil // It's not an error to not have the file at all.
	} else if err != nil {
		return err
	}
	log.Debug("Read config from %s", filename)
	return nil
}

// ReadConfigFiles reads a config file from the given locations, in order.
// Values are filled in by defaults initially and then overridden by each file in turn.
func ReadConfigFiles(filenames []string) (*Configuration, error) {
	config := DefaultConfiguration()
	for _, filename := range filenames {
		if err := readConfigFile(config, filename); err != nil {
			return config, err
		}
	}
	return config, config.Validate()
}

// DefaultConfigFiles returns the config files we read in the absence of any given explicitly.
func DefaultConfigFiles() []string {
	files := []string{MachineConfigFileName}
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ConfigFileName))
	}
	return append(files, ConfigFileName, LocalConfigFileName)
}

// Validate checks the config for any values that can't be used.
func (config *Configuration) Validate() error {
	switch config.Remote.HashFunction {
	case "sha256", "sha1":
	default:
		return fmt.Errorf("Unknown hash function %s; must be one of sha256 or sha1", config.Remote.HashFunction)
	}
	if config.Remote.ChunkSize == 0 {
		return fmt.Errorf("remote.chunksize must be greater than zero")
	} else if config.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be greater than zero")
	} else if config.Remote.NumTransfers < 0 {
		return fmt.Errorf("remote.numtransfers cannot be negative")
	} else if config.Remote.FindMissingBatchSize <= 0 {
		return fmt.Errorf("remote.findmissingbatchsize must be greater than zero")
	}
	return nil
}

// ApplyOverrides applies a set of overrides to the config.
// The keys of the given map are dot notation for the config setting.
func (config *Configuration) ApplyOverrides(overrides map[string]string) error {
	match := func(s1 string) func(string) bool {
		return func(s2 string) bool {
			return strings.ToLower(s2) == s1
		}
	}
	elem := reflect.ValueOf(config).Elem()
	for k, v := range overrides {
		split := strings.Split(strings.ToLower(k), ".")
		if len(split) != 2 {
			return fmt.Errorf("Bad option format: %s", k)
		}
		field := elem.FieldByNameFunc(match(split[0]))
		if !field.IsValid() {
			return fmt.Errorf("Unknown config field: %s%s", split[0], cli.DidYouMean(split[0], fieldNames(elem)))
		} else if field.Kind() != reflect.Struct {
			return fmt.Errorf("Unsettable config field: %s", split[0])
		}
		section := field
		field = field.FieldByNameFunc(match(split[1]))
		if !field.IsValid() {
			return fmt.Errorf("Unknown config field: %s%s", split[1], cli.DidYouMean(split[1], fieldNames(section)))
		}
		if u, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
			if err := u.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("Invalid value for %s: %s", k, err)
			}
			continue
		}
		switch field.Kind() {
		case reflect.String:
			field.SetString(v)
		case reflect.Bool:
			v = strings.ToLower(v)
			// Mimics the set of truthy things gcfg accepts in our config file.
			field.SetBool(v == "true" || v == "yes" || v == "on" || v == "1")
		case reflect.Int:
			i, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("Invalid value for an integer field: %s", v)
			}
			field.SetInt(int64(i))
		default:
			return fmt.Errorf("Can't override config field %s", k)
		}
	}
	return config.Validate()
}

// fieldNames returns the lowercased names of the fields of a struct, as they'd be written in
// config overrides.
func fieldNames(v reflect.Value) []string {
	t := v.Type()
	ret := make([]string, t.NumField())
	for i := range ret {
		ret[i] = strings.ToLower(t.Field(i).Name)
	}
	return ret
}
