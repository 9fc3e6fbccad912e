package procfs

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelfIsAlive(t *testing.T) {
	require.True(t, Alive(os.Getpid()))
}

func TestInvalidPIDsNotAlive(t *testing.T) {
	require.False(t, Alive(0))
	require.False(t, Alive(-1))
	// PID far beyond pid_max on any reasonable host.
	require.False(t, Alive(1 << 30))
}

func TestSelfNotZombie(t *testing.T) {
	require.False(t, Zombie(os.Getpid()))
}
