package buildtool

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/osforge/osforge/pkg/config"
)

// ErrNoISOTool reports that no supported image creation tool is installed.
var ErrNoISOTool = errors.New("no ISO creation tool available (mkisofs or xorriso)")

// targetArgs pins the build to the configured architecture.
func targetArgs(cfg *config.Config) []string {
	return []string{
		"TARGET=" + cfg.TargetArch,
		"TARGET_ARCH=" + cfg.TargetArch,
	}
}

// buildOptionArgs flattens build_options into make variable assignments,
// sorted so the command line is reproducible.
func buildOptionArgs(cfg *config.Config) []string {
	if len(cfg.BuildOptions) == 0 {
		return nil
	}
	keys := make([]string, 0, len(cfg.BuildOptions))
	for k := range cfg.BuildOptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, k+"="+cfg.BuildOptions[k])
	}
	return args
}

func makeEnv(cfg *config.Config) map[string]string {
	env := map[string]string{
		"MAKEOBJDIRPREFIX": cfg.ObjDir(),
	}
	if _, err := os.Stat(cfg.MakeConfPath()); err == nil {
		env["__MAKE_CONF"] = cfg.MakeConfPath()
	}
	if _, err := os.Stat(cfg.SrcConfPath()); err == nil {
		env["SRCCONF"] = cfg.SrcConfPath()
	}
	return env
}

// BuildWorld is the userland build step.
func BuildWorld(cfg *config.Config) Step {
	args := []string{fmt.Sprintf("-j%d", cfg.MakeJobs), "buildworld"}
	args = append(args, targetArgs(cfg)...)
	args = append(args, buildOptionArgs(cfg)...)
	return Step{
		Name:    "buildworld",
		Command: "make",
		Args:    args,
		Dir:     cfg.SrcDir(),
		Env:     makeEnv(cfg),
	}
}

// BuildKernel builds the configured kernel.
func BuildKernel(cfg *config.Config) Step {
	args := []string{
		fmt.Sprintf("-j%d", cfg.MakeJobs),
		"buildkernel",
		"KERNCONF=" + cfg.KernelConfName(),
	}
	args = append(args, targetArgs(cfg)...)
	return Step{
		Name:    "buildkernel",
		Command: "make",
		Args:    args,
		Dir:     cfg.SrcDir(),
		Env:     makeEnv(cfg),
	}
}

// Distribution stages the built world and kernel into the distribution tree.
func Distribution(cfg *config.Config) Step {
	args := []string{
		"distributeworld",
		"distributekernel",
		"KERNCONF=" + cfg.KernelConfName(),
		"DISTDIR=" + cfg.DistDir(),
	}
	args = append(args, targetArgs(cfg)...)
	return Step{
		Name:    "distribution",
		Command: "make",
		Args:    args,
		Dir:     cfg.SrcDir(),
		Env:     makeEnv(cfg),
	}
}

// DetectISOTool returns the first supported image tool found on PATH.
func DetectISOTool() (string, error) {
	for _, tool := range []string{"mkisofs", "xorriso"} {
		if _, err := exec.LookPath(tool); err == nil {
			return tool, nil
		}
	}
	return "", ErrNoISOTool
}

// MemstickStep builds the USB installer image through the release makefiles.
func MemstickStep(cfg *config.Config) Step {
	args := []string{"-C", filepath.Join(cfg.SrcDir(), "release"), "memstick"}
	args = append(args, targetArgs(cfg)...)
	return Step{
		Name:    "memstick",
		Command: "make",
		Args:    args,
		Env:     makeEnv(cfg),
	}
}

// cloudDiskSize is the disk size cloud providers get.
const cloudDiskSize = "10g"

// CloudImageSteps returns the steps that export one cloud provider image: a
// UFS root filesystem built from the distribution tree, a disk image in the
// provider's import format, and for GCP the tarball wrapper its import
// expects.
func CloudImageSteps(cfg *config.Config, provider string) []Step {
	rootfs := filepath.Join(cfg.CloudDir(), "rootfs.ufs")
	steps := []Step{{
		Name:    "cloud-" + provider + "-rootfs",
		Command: "makefs",
		Args:    []string{"-t", "ffs", "-s", cloudDiskSize, rootfs, cfg.DistDir()},
	}}

	disk := func(format, out string) Step {
		return Step{
			Name:    "cloud-" + provider + "-image",
			Command: "mkimg",
			Args: []string{
				"-s", "gpt",
				"-f", format,
				"-p", "freebsd-ufs:=" + rootfs,
				"-o", out,
			},
		}
	}

	switch provider {
	case "aws":
		steps = append(steps, disk("raw", cfg.CloudImagePath("aws")))
	case "azure":
		steps = append(steps, disk("vhdf", cfg.CloudImagePath("azure")))
	case "gcp":
		raw := filepath.Join(cfg.CloudDir(), "disk.raw")
		steps = append(steps,
			disk("raw", raw),
			Step{
				Name:    "cloud-" + provider + "-package",
				Command: "tar",
				Args:    []string{"-czf", cfg.CloudImagePath("gcp"), "-C", cfg.CloudDir(), "disk.raw"},
			})
	}
	return steps
}

// ISOStep packages the prepared ISO tree into a bootable image using the
// given tool, as detected by DetectISOTool.
func ISOStep(cfg *config.Config, tool string) Step {
	volume := fmt.Sprintf("%s_%s", cfg.OSName, cfg.Version)
	args := []string{}
	if tool == "xorriso" {
		args = append(args, "-as", "mkisofs")
	}
	args = append(args,
		"-R", "-J",
		"-b", "boot/cdboot",
		"-no-emul-boot",
		"-V", volume,
		"-o", cfg.ISOPath(),
		cfg.ISODir(),
	)
	return Step{
		Name:    "iso",
		Command: tool,
		Args:    args,
	}
}
