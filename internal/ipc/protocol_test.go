package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tangthinker/easysave/internal/backup"
	"github.com/tangthinker/easysave/internal/config"
)

func TestCommandOverStream(t *testing.T) {
	var buf bytes.Buffer
	cmd := &Command{
		Type: CmdAdd,
		Task: &config.BackupTask{Name: "docs", Strategy: config.StrategyDifferential},
	}
	require.NoError(t, Write(&buf, cmd))

	got, err := ReadCommand(&buf)
	require.NoError(t, err)
	assert.Equal(t, CmdAdd, got.Type)
	require.NotNil(t, got.Task)
	assert.Equal(t, config.StrategyDifferential, got.Task.Strategy)
}

func TestResponseCarriesData(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, NewResponse(ClearData{Removed: 4}, nil)))

	resp, err := ReadResponse(&buf)
	require.NoError(t, err)
	require.NoError(t, resp.Err())

	var data ClearData
	require.NoError(t, resp.Decode(&data))
	assert.Equal(t, 4, data.Removed)
}

func TestResponseRestoresSentinels(t *testing.T) {
	err := fmt.Errorf("%w: docs", backup.ErrTaskRunning)
	resp := NewResponse(nil, err)

	assert.False(t, resp.Success)
	assert.Equal(t, CodeRunning, resp.Code)
	assert.ErrorIs(t, resp.Err(), backup.ErrTaskRunning)

	plain := NewResponse(nil, errors.New("disk on fire"))
	assert.Empty(t, plain.Code)
	assert.EqualError(t, plain.Err(), "disk on fire")
}

func TestReadCommandRejectsGarbage(t *testing.T) {
	_, err := ReadCommand(bytes.NewBufferString("{nope"))
	assert.Error(t, err)
}
