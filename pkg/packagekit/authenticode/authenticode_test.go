package authenticode

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/kolide/kit/env"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess isn't a real test. It's used as a helper process
// to fake signtool. See
// https://github.com/golang/go/blob/master/src/os/exec/exec_test.go#L724
// and https://npf.io/2015/06/testing-exec-command/
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}

	if os.Getenv("FAKE_SIGNTOOL_FAIL") == args[1] {
		fmt.Fprintln(os.Stderr, "SignTool Error: injected")
		os.Exit(1)
	}
	os.Exit(0)
}

type recorder struct {
	fail  string
	calls [][]string
}

func (r *recorder) execCC(ctx context.Context, name string, args ...string) *exec.Cmd {
	r.calls = append(r.calls, append([]string{name}, args...))

	cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "FAKE_SIGNTOOL_FAIL="+r.fail)
	return cmd
}

func TestSignCommandLines(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		name  string
		opts  []SigntoolOpt
		calls []string
	}{
		{
			name: "defaults",
			calls: []string{
				"signtool.exe sign /fd sha256 /tr http://timestamp.digicert.com /td sha256 /v pkg.msi",
				"signtool.exe verify /pa /v pkg.msi",
			},
		},
		{
			name: "subject and extra args",
			opts: []SigntoolOpt{
				WithSubjectName("Agility Record Book"),
				WithExtraArgs([]string{"/sm"}),
				WithSigntoolPath(`C:\kits\signtool.exe`),
				WithTimestampServer("http://ts.example.com"),
				SkipValidation(),
			},
			calls: []string{
				`C:\kits\signtool.exe sign /fd sha256 /tr http://ts.example.com /td sha256 /v /n Agility Record Book /sm pkg.msi`,
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := &recorder{}
			require.NoError(t, Sign(context.TODO(), "pkg.msi", append(tt.opts, WithExecCC(r.execCC))...))

			var got []string
			for _, c := range r.calls {
				got = append(got, strings.Join(c, " "))
			}
			require.Equal(t, tt.calls, got)
		})
	}
}

func TestSignFailures(t *testing.T) {
	t.Parallel()

	for _, step := range []string{"sign", "verify"} {
		step := step
		t.Run(step, func(t *testing.T) {
			t.Parallel()

			r := &recorder{fail: step}
			err := Sign(context.TODO(), "pkg.msi", WithExecCC(r.execCC))
			require.Error(t, err)
			require.Contains(t, err.Error(), "injected")
		})
	}
}

func TestSign(t *testing.T) {
	t.Parallel()

	if runtime.GOOS != "windows" || !env.Bool("CI_TEST_PACKAGING", false) {
		t.Skip("needs signtool and a certificate")
	}

	data, err := os.ReadFile(`C:\Windows\System32\netmsg.dll`)
	require.NoError(t, err)

	testExe := filepath.Join(t.TempDir(), "test.dll")
	require.NoError(t, os.WriteFile(testExe, data, 0755))

	require.NoError(t, Sign(context.TODO(), testExe))
}
