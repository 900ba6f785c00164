package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBatch = `
regions:
  - name: src
    size: 256
    fill: hello
  - name: dst
    size: 512
    access: [local_write, remote_write]
recvs:
  - id: 1
    sges: [{region: dst, offset: 256, length: 64}]
sends:
  - id: 10
    opcode: rdma_write
    flags: [signaled]
    sges: [{region: src, offset: 0, length: 32}]
    rdma: {region: dst, offset: 0}
  - id: 11
    opcode: send
    flags: [signaled]
    sges: [{region: src, offset: 0, length: 5}]
`

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeBatch(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLayoutCommand(t *testing.T) {
	out, err := runCommand(t, "layout")
	require.NoError(t, err)
	assert.Contains(t, out, "ibv_send_wr (128 bytes)")
	assert.Contains(t, out, "wr.rdma.remote_addr")
	assert.Regexp(t, `native allocator: (malloc|mmap)`, out)
}

func TestEncodeCommand(t *testing.T) {
	out, err := runCommand(t, "encode", writeBatch(t, sampleBatch), "--hexdump")
	require.NoError(t, err)

	assert.Contains(t, out, "recv batch: 1 work requests")
	assert.Contains(t, out, "send batch: 2 work requests")
	assert.Contains(t, out, "rdma_write")
	assert.Contains(t, out, "signaled")
	assert.Contains(t, out, "00000000 ")
	assert.NotContains(t, out, "completions")
}

func TestEncodeCommandExecute(t *testing.T) {
	out, err := runCommand(t, "encode", "--execute", writeBatch(t, sampleBatch))
	require.NoError(t, err)

	assert.Contains(t, out, "completions (3)")
	assert.Contains(t, out, "success")
	assert.NotContains(t, out, "error")
}

func TestEncodeCommandRejectsBadBatch(t *testing.T) {
	_, err := runCommand(t, "encode", writeBatch(t, "sends:\n  - id: 1\n    opcode: teleport\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown opcode")
}

func TestBenchEncode(t *testing.T) {
	out, err := runCommand(t, "bench", "--mode", "encode", "-w", "2", "-n", "10", "--batch", "4", "--sges", "2", "--size", "64")
	require.NoError(t, err)
	assert.Contains(t, out, "encode: 80 work requests")
}

func TestBenchSendRecv(t *testing.T) {
	out, err := runCommand(t, "bench", "--mode", "sendrecv", "-w", "2", "-n", "5", "--size", "128")
	require.NoError(t, err)
	assert.Contains(t, out, "sendrecv: 10 messages")
}

func TestBenchRejectsUnknownMode(t *testing.T) {
	_, err := runCommand(t, "bench", "--mode", "warp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown bench mode")
}

func TestNVMeCommand(t *testing.T) {
	out, err := runCommand(t, "nvme", "--lba", "3", "--blocks", "2", "--hexdump")
	require.NoError(t, err)

	assert.Contains(t, out, "namespace 1: 8,192 sectors of 512 B")
	assert.Contains(t, out, "verified 2 blocks (1.0 KiB) at lba 3")
	assert.Contains(t, out, "read command")
	assert.Contains(t, out, "|verbs-goverbs-go|")
}

func TestNVMeCommandOutOfRange(t *testing.T) {
	_, err := runCommand(t, "nvme", "--lba", "8192")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "beyond namespace")
}

func TestUnknownProvider(t *testing.T) {
	_, err := runCommand(t, "--provider", "carrier-pigeon", "layout")
	require.Error(t, err)
}
