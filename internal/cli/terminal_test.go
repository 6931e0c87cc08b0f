// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/peterh/liner"
	"github.com/stretchr/testify/require"
)

// TestNewPrompter_PipedInput tests that piped stdin is read line by line with
// prompts on the error stream.
func TestNewPrompter_PipedInput(t *testing.T) {
	var out, errOut bytes.Buffer
	p := newPrompter(Streams{In: strings.NewReader("alice\r\nhunter22"), Out: &out, Err: &errOut})
	defer p.Close()
	require.IsType(t, &streamPrompter{}, p)

	id, err := p.Prompt("Identifier: ")
	require.NoError(t, err)
	require.Equal(t, "alice", id)

	secret, err := p.PasswordPrompt("Secret: ")
	require.NoError(t, err)
	require.Equal(t, "hunter22", secret, "last line without newline is kept")

	_, err = p.Prompt("Again: ")
	require.ErrorIs(t, err, errNoInput)

	require.Empty(t, out.String())
	require.Equal(t, "Identifier: Secret: Again: ", errOut.String())
}

// TestLinerError tests the mapping of liner prompt errors.
func TestLinerError(t *testing.T) {
	require.NoError(t, linerError(nil))
	require.ErrorIs(t, linerError(liner.ErrPromptAborted), errPromptAborted)
	require.ErrorIs(t, linerError(io.EOF), errNoInput)

	boom := errors.New("boom")
	err := linerError(boom)
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "failed to read input")
}
