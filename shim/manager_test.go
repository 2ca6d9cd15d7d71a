package shim

import (
	"testing"

	"github.com/containerd/containerd/v2/pkg/shim"

	"github.com/MarcinKonowalczyk/bfvm/utils"
)

func TestShimArgs(t *testing.T) {
	if debug != "" {
		t.Skip("debug is set at link time")
	}
	utils.AssertEqual(t, len(shimArgs(shim.StartOpts{})), 0)
	utils.AssertDeepEqual(t, []string{"-debug"}, shimArgs(shim.StartOpts{Debug: true}))
}

func TestBootstrapParams(t *testing.T) {
	params := bootstrapParams("unix:///run/bf.sock")
	utils.AssertEqual(t, params.Version, 2)
	utils.AssertEqual(t, params.Address, "unix:///run/bf.sock")
	utils.AssertEqual(t, params.Protocol, "ttrpc")
}

func TestManagerInfo(t *testing.T) {
	info, err := NewManager("io.containerd.brainfuck.v1").Info(t.Context(), nil)
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, info.Name, "io.containerd.brainfuck.v1")
	utils.AssertEqual(t, info.Version.Version, RuntimeVersion)
}
