// Package toolchainassets provides the embedded default tool manifest.
//
// The manifest is embedded at compile time so an installed binary runs with
// the stock toolchain contract regardless of the working directory or
// installation location.
package toolchainassets

import _ "embed"

// DefaultManifest is the embedded tool contract for the stock
// tracy/samtools toolchain. A tools.manifest config entry overrides it.
//
//go:embed tools.yaml
var DefaultManifest []byte
