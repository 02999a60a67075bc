// Package buildinfo reports the version of the running securekv binary.
//
// Release builds inject values via ldflags:
//
//	go build -ldflags "-X github.com/yndnr/securekv/internal/infra/buildinfo.Version=v1.0.0 \
//	  -X github.com/yndnr/securekv/internal/infra/buildinfo.Commit=abc123"
//
// Anything left unset falls back to what the Go toolchain embedded in the
// binary (module version, vcs.revision, vcs.time).
package buildinfo
