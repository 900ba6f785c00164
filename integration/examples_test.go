//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ExampleSuite struct {
	suite.Suite
	repoRoot string
}

func (s *ExampleSuite) SetupSuite() {
	if os.Getenv("VERBS_TEST_EXAMPLES") == "" {
		s.T().Skip("set VERBS_TEST_EXAMPLES=1 to run example integration tests")
	}
	root, err := detectRepoRoot()
	require.NoError(s.T(), err, "locate repository root")
	s.repoRoot = root
}

func (s *ExampleSuite) TestClientBasic() {
	out := s.runExample("examples/client_basic", nil)
	s.Contains(out, `receiver got "hello via Send/Receive"`)
	s.Contains(out, "imm=0x2a")
}

func (s *ExampleSuite) TestMsgBasic() {
	out := s.runExample("examples/msg_basic", nil)
	s.Contains(out, `second receive "header|pay"`)
}

func (s *ExampleSuite) TestRMABasic() {
	out := s.runExample("examples/rma_basic", []string{"VERBS_EXAMPLE_PROVIDER=" + defaultExampleProvider()})
	s.Contains(out, `initiator read "served by RDMA read"`)
	s.Contains(out, "write after deregistration rejected")
}

func (s *ExampleSuite) TestProviderSwitch() {
	out := s.runExample("examples/provider_switch", nil)
	s.Contains(out, "loopback payload")
}

func (s *ExampleSuite) TestNVMeReadWrite() {
	out := s.runExample("examples/nvme_rw", nil)
	s.Contains(out, "flushes=1")
}

func (s *ExampleSuite) runExample(relPath string, extraEnv []string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./"+relPath)
	env := os.Environ()
	if provider := os.Getenv("VERBS_INTEGRATION_PROVIDER"); provider != "" {
		env = append(env, "VERBS_EXAMPLE_PROVIDER="+provider)
	}
	if len(extraEnv) > 0 {
		env = append(env, extraEnv...)
	}
	cmd.Env = env
	cmd.Dir = s.repoRoot

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		s.FailNowf("example timeout", "example %s timed out:\n%s", relPath, string(output))
	}
	require.NoErrorf(s.T(), err, "example %s failed:\n%s", relPath, string(output))
	return string(output)
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}

func defaultExampleProvider() string {
	if provider := os.Getenv("VERBS_INTEGRATION_PROVIDER"); provider != "" {
		return provider
	}
	return "sim"
}

func TestExamples(t *testing.T) {
	suite.Run(t, new(ExampleSuite))
}
