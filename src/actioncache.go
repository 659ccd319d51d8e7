package main

import (
	"context"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/thought-machine/actioncache/src/cli"
	"github.com/thought-machine/actioncache/src/cli/logging"
	"github.com/thought-machine/actioncache/src/core"
	"github.com/thought-machine/actioncache/src/digest"
	"github.com/thought-machine/actioncache/src/metrics"
	"github.com/thought-machine/actioncache/src/remote"
	remotefs "github.com/thought-machine/actioncache/src/remote/fs"
	"github.com/thought-machine/actioncache/src/remote/fs/cache"
)

var log = logging.Log

// Exit codes beyond the usual success and failure.
const (
	exitFailure   = 1
	exitCacheMiss = 2
)

type actionOpts struct {
	InputDir string       `short:"i" long:"input_dir" required:"true" description:"Directory containing the action's inputs"`
	Env      []cli.Env    `short:"e" long:"env" description:"Environment variables the action runs with, as NAME=VALUE"`
	Timeout  cli.Duration `short:"t" long:"timeout" description:"Timeout the action runs with"`
}

var opts = struct {
	Usage        string
	Verbosity    cli.Verbosity     `short:"v" long:"verbosity" default:"notice" description:"Verbosity of output (higher number = more output)"`
	LogFile      string            `long:"log_file" description:"File to echo full logging output to"`
	LogFileLevel cli.Verbosity     `long:"log_file_level" default:"debug" description:"Log level for file output"`
	ConfigFiles  []string          `short:"c" long:"config" description:"Config files to read. Defaults to the standard locations if not given."`
	Override     map[string]string `short:"o" long:"override" description:"Overrides config settings, e.g. -o remote.instance:main"`
	URL          string            `short:"u" long:"url" description:"URL of the remote server. Overrides any configured one."`
	Instance     string            `long:"instance" description:"Remote instance name. Overrides any configured one."`

	Upload struct {
		Action   actionOpts `group:"Action options"`
		Stdout   string     `long:"stdout" description:"File containing the action's standard output"`
		Stderr   string     `long:"stderr" description:"File containing the action's standard error"`
		ExitCode int        `long:"exit_code" description:"Exit code the action finished with"`
	} `command:"upload" description:"Stores the result of an action in the remote cache. The action's command follows a --."`
	Lookup struct {
		Action actionOpts `group:"Action options"`
	} `command:"lookup" description:"Retrieves the result of an action from the remote cache. Exits with code 2 if there isn't one."`
	Fetch struct {
		Digest string `short:"d" long:"digest" required:"true" description:"Digest of the blob to fetch, as hash/size"`
		Out    string `long:"out" default:"-" description:"File to write the blob to, or - for stdout"`
	} `command:"fetch" description:"Downloads a single blob from the remote CAS"`
	Ls struct {
		Digest  string `short:"d" long:"digest" required:"true" description:"Digest of the root Directory, as hash/size"`
		NoCache bool   `long:"nocache" description:"Don't keep a local copy of the directories and files read"`
	} `command:"ls" description:"Lists the contents of a directory tree stored in the remote CAS"`
}{
	Usage: `
actioncache is a client for the remote execution API's action cache.

It stores the results of actions (a command run against a directory of inputs) in a remote
server, and retrieves them again, so the same action doesn't need to be run twice.
`,
}

func main() {
	os.Exit(run())
}

func run() int {
	parser, args, err := cli.ParseFlags("actioncache", &opts, os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return exitFailure
	} else if parser.Active == nil {
		fmt.Fprintf(os.Stderr, "No command given\n")
		return exitFailure
	}
	cli.InitLogging(opts.Verbosity)
	if opts.LogFile != "" {
		cleanup, err := cli.InitFileLogging(opts.LogFile, opts.LogFileLevel)
		if err != nil {
			log.Error("Failed to open log file: %s", err)
			return exitFailure
		}
		cli.AtExit(cleanup)
		defer cleanup()
	}
	config, err := readConfig()
	if err != nil {
		log.Error("%s", err)
		return exitFailure
	}
	metrics.InitFromConfig(config)
	defer metrics.Push()

	ctx := context.Background()
	stats := remote.NewStats()
	start := time.Now()
	conn, err := remote.Dial(ctx, config, stats)
	if err != nil {
		log.Error("Failed to connect to %s: %s", config.Remote.URL, err)
		return exitFailure
	}
	defer conn.Close()
	fs := osfs.New("/")
	client, err := remote.New(conn, fs, config)
	if err != nil {
		log.Error("%s", err)
		return exitFailure
	}
	if err := client.CheckCapabilities(ctx); err != nil {
		log.Error("%s", err)
		return exitFailure
	}
	defer func() {
		in, out := stats.Totals()
		log.Info("Finished in %s; received %s, sent %s", time.Since(start).Round(time.Millisecond), humanize.Bytes(uint64(in)), humanize.Bytes(uint64(out)))
	}()

	switch parser.Active.Name {
	case "upload":
		err = upload(ctx, client, fs, args)
	case "lookup":
		var hit bool
		if hit, err = lookup(ctx, client, fs, args); err == nil && !hit {
			return exitCacheMiss
		}
	case "fetch":
		err = fetch(ctx, client)
	case "ls":
		err = ls(ctx, client, config)
	}
	if err != nil {
		log.Error("%s", err)
		return exitFailure
	}
	return 0
}

// readConfig reads the config files and applies any overrides from the command line.
func readConfig() (*core.Configuration, error) {
	files := opts.ConfigFiles
	if len(files) == 0 {
		files = core.DefaultConfigFiles()
	}
	config, err := core.ReadConfigFiles(files)
	if err != nil {
		return nil, fmt.Errorf("Error reading config files: %w", err)
	}
	overrides := map[string]string{}
	for k, v := range opts.Override {
		overrides[k] = v
	}
	if opts.URL != "" {
		overrides["remote.url"] = opts.URL
	}
	if opts.Instance != "" {
		overrides["remote.instance"] = opts.Instance
	}
	if err := config.ApplyOverrides(overrides); err != nil {
		return nil, err
	}
	// Everything goes through a filesystem rooted at /, so relative paths need resolving now.
	if config.Remote.WorkDir, err = filepath.Abs(config.Remote.WorkDir); err != nil {
		return nil, err
	}
	return config, nil
}

func newAction(client *remote.Client, fs billy.Filesystem, o actionOpts, args []string) (*remote.ExecutableAction, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("No command given for the action; pass it after --")
	}
	inputDir, err := filepath.Abs(o.InputDir)
	if err != nil {
		return nil, err
	}
	return remote.NewExecutableAction(client.Calculator(), fs, inputDir, args, cli.EnvMap(o.Env), time.Duration(o.Timeout))
}

func upload(ctx context.Context, client *remote.Client, fs billy.Filesystem, args []string) error {
	action, err := newAction(client, fs, opts.Upload.Action, args)
	if err != nil {
		return err
	}
	result := &remote.ExecutableActionResult{ExitCode: opts.Upload.ExitCode}
	if opts.Upload.Stdout != "" {
		if result.Stdout, err = filepath.Abs(opts.Upload.Stdout); err != nil {
			return err
		}
	}
	if opts.Upload.Stderr != "" {
		if result.Stderr, err = filepath.Abs(opts.Upload.Stderr); err != nil {
			return err
		}
	}
	if err := client.UploadCache(ctx, action, result); err != nil {
		return err
	}
	cli.Printf("${BOLD_GREEN}Stored${RESET} %s\n", digest.String(action.Digest()))
	return nil
}

func lookup(ctx context.Context, client *remote.Client, fs billy.Filesystem, args []string) (bool, error) {
	action, err := newAction(client, fs, opts.Lookup.Action, args)
	if err != nil {
		return false, err
	}
	result, err := client.LookupCache(ctx, action)
	if err != nil {
		return false, err
	} else if result == nil {
		cli.Printf("${BOLD_RED}Miss${RESET} %s\n", digest.String(action.Digest()))
		return false, nil
	}
	cli.Printf("${BOLD_GREEN}Hit${RESET} %s\n", digest.String(action.Digest()))
	cli.Printf("exit_code: %d\n", result.ExitCode)
	cli.Printf("stdout: %s\n", result.Stdout)
	cli.Printf("stderr: %s\n", result.Stderr)
	return true, nil
}

func fetch(ctx context.Context, client *remote.Client) error {
	d, err := parseDigest(client, opts.Fetch.Digest)
	if err != nil {
		return err
	}
	if opts.Fetch.Out == "-" {
		return client.DownloadBlob(ctx, d, nopCloser{os.Stdout})
	}
	f, err := os.Create(opts.Fetch.Out)
	if err != nil {
		return err
	}
	return client.DownloadBlob(ctx, d, f)
}

// parseDigest parses a digest given on the command line and checks it suits the client's hash function.
func parseDigest(client *remote.Client, s string) (*pb.Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return nil, err
	}
	return d, client.Calculator().Validate(d)
}

// nopCloser stops the download closing stdout.
type nopCloser struct {
	*os.File
}

func (nopCloser) Close() error { return nil }

func ls(ctx context.Context, client *remote.Client, config *core.Configuration) error {
	d, err := parseDigest(client, opts.Ls.Digest)
	if err != nil {
		return err
	}
	root, err := client.ReadDirectory(ctx, d)
	if err != nil {
		return err
	}
	var reader remotefs.BlobReader = client
	if !opts.Ls.NoCache {
		reader = cache.New(client, osfs.New(config.Remote.WorkDir), "cas")
	}
	fsys := remotefs.New(reader, &pb.Tree{Root: root}, ".")
	return iofs.WalkDir(fsys, ".", func(name string, entry iofs.DirEntry, err error) error {
		if err != nil {
			return err
		} else if name == "." {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if entry.IsDir() {
			cli.Printf("%s ${BOLD_WHITE}%s/${RESET}\n", info.Mode(), name)
		} else {
			cli.Printf("%s %8s %s\n", info.Mode(), humanize.Bytes(uint64(info.Size())), name)
		}
		return nil
	})
}
