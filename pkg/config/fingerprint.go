package config

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"
)

// fingerprintPayload is the slice of the configuration one stage consumes.
// Only the fields the named stage actually reads are populated, so drift in
// an unrelated field leaves that stage's checkpoint intact. Field order is
// fixed and map keys are sorted by the JSON encoder, so the encoding is
// deterministic.
type fingerprintPayload struct {
	Stage         string            `json:"stage"`
	OSName        string            `json:"os_name,omitempty"`
	Version       string            `json:"version,omitempty"`
	TargetArch    string            `json:"target_arch,omitempty"`
	GitRepo       string            `json:"git_repo,omitempty"`
	GitBranch     string            `json:"git_branch,omitempty"`
	KernelConfig  string            `json:"kernel_config,omitempty"`
	BuildOptions  map[string]string `json:"build_options,omitempty"`
	MakeConf      []string          `json:"make_conf,omitempty"`
	SrcConf       []string          `json:"src_conf,omitempty"`
	KernelOptions []string          `json:"kernel_options,omitempty"`
	CloudFormats  []string          `json:"cloud_formats,omitempty"`
}

// Fingerprint computes the digest of the configuration the named stage
// consumes. A checkpoint recorded under a different digest is stale and must
// not satisfy a skip check. Upstream drift is handled by the pipeline, which
// chains each stage's digest with its dependencies' fingerprints; this digest
// covers only the stage's own inputs. Stages outside the standard set digest
// the full fingerprint-relevant subset.
func (c *Config) Fingerprint(stage string) digest.Digest {
	payload := fingerprintPayload{Stage: stage}

	switch stage {
	case "fetch":
		payload.GitRepo = c.GitRepo
		payload.GitBranch = c.GitBranch
	case "customize":
		payload.OSName = c.OSName
		payload.TargetArch = c.TargetArch
		payload.KernelConfig = c.KernelConfig
		payload.KernelOptions = c.KernelOptions
		payload.MakeConf = c.MakeConf
		payload.SrcConf = c.SrcConf
	case "world":
		payload.TargetArch = c.TargetArch
		payload.BuildOptions = c.BuildOptions
		payload.MakeConf = c.MakeConf
		payload.SrcConf = c.SrcConf
	case "kernel":
		payload.OSName = c.OSName
		payload.TargetArch = c.TargetArch
		payload.KernelConfig = c.KernelConfig
		payload.KernelOptions = c.KernelOptions
		payload.MakeConf = c.MakeConf
		payload.SrcConf = c.SrcConf
	case "distribution":
		payload.OSName = c.OSName
		payload.TargetArch = c.TargetArch
		payload.KernelConfig = c.KernelConfig
		payload.KernelOptions = c.KernelOptions
	case "iso", "memstick":
		payload.OSName = c.OSName
		payload.Version = c.Version
		payload.TargetArch = c.TargetArch
	case "cloud":
		payload.OSName = c.OSName
		payload.Version = c.Version
		payload.TargetArch = c.TargetArch
		payload.CloudFormats = c.CloudFormats
	default:
		payload.OSName = c.OSName
		payload.Version = c.Version
		payload.TargetArch = c.TargetArch
		payload.GitRepo = c.GitRepo
		payload.GitBranch = c.GitBranch
		payload.KernelConfig = c.KernelConfig
		payload.BuildOptions = c.BuildOptions
		payload.MakeConf = c.MakeConf
		payload.SrcConf = c.SrcConf
		payload.KernelOptions = c.KernelOptions
		payload.CloudFormats = c.CloudFormats
	}

	data, err := json.Marshal(payload)
	if err != nil {
		// Marshal cannot fail for this payload shape.
		panic(err)
	}
	return digest.FromBytes(data)
}
