package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestByteSize(t *testing.T) {
	opts := struct {
		Size ByteSize `short:"b"`
	}{}
	_, extraArgs, err := ParseFlags("test", &opts, []string{"test", "-b=15M"})
	assert.NoError(t, err)
	assert.Equal(t, 0, len(extraArgs))
	assert.EqualValues(t, 15000000, opts.Size)
}

func TestByteSizeBinary(t *testing.T) {
	opts := struct {
		Size ByteSize `short:"b" default:"1MiB"`
	}{}
	_, _, err := ParseFlags("test", &opts, []string{"test"})
	assert.NoError(t, err)
	assert.EqualValues(t, MiByte, opts.Size)
}

func TestDuration(t *testing.T) {
	opts := struct {
		D Duration `short:"d"`
	}{}
	_, extraArgs, err := ParseFlags("test", &opts, []string{"test", "-d=3h"})
	assert.NoError(t, err)
	assert.Equal(t, 0, len(extraArgs))
	assert.EqualValues(t, 3*time.Hour, opts.D)

	_, extraArgs, err = ParseFlags("test", &opts, []string{"test", "-d=3"})
	assert.NoError(t, err)
	assert.Equal(t, 0, len(extraArgs))
	assert.EqualValues(t, 3*time.Second, opts.D)
}

func TestURL(t *testing.T) {
	opts := struct {
		U URL `short:"u"`
	}{}
	_, extraArgs, err := ParseFlags("test", &opts, []string{"test", "-u=https://localhost:8080"})
	assert.NoError(t, err)
	assert.Equal(t, 0, len(extraArgs))
	assert.EqualValues(t, "https://localhost:8080", opts.U)
}

func TestEnv(t *testing.T) {
	opts := struct {
		Env []Env `short:"e"`
	}{}
	_, _, err := ParseFlags("test", &opts, []string{"test", "-e", "FOO=bar", "-e", "EMPTY=", "-e", "FOO=baz=qux"})
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{"FOO": "baz=qux", "EMPTY": ""}, EnvMap(opts.Env))
}

func TestEnvInvalid(t *testing.T) {
	opts := struct {
		Env []Env `short:"e"`
	}{}
	_, _, err := ParseFlags("test", &opts, []string{"test", "-e", "FOO"})
	assert.Error(t, err)
}

func TestExtraArgsAfterDoubleDash(t *testing.T) {
	opts := struct {
		V bool `short:"v"`
	}{}
	_, extraArgs, err := ParseFlags("test", &opts, []string{"test", "-v", "--", "echo", "-n", "hi"})
	assert.NoError(t, err)
	assert.True(t, opts.V)
	assert.Equal(t, []string{"echo", "-n", "hi"}, extraArgs)
}
