// Package userdata renders the boot-time script fragment embedded into a
// launch configuration (spec §4.8). It must always carry a recoverable
// "export HASH=<hash>" marker so the next deployment's preparation
// pipeline (step 8, populate-previous-state) can pull the predecessor's
// configuration version back out of a running ASG.
package userdata

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// hashMarkerRE matches the token generate-user-data is required to embed.
var hashMarkerRE = regexp.MustCompile(`export HASH=(\S+)`)

// Params is everything user-data rendering is a pure function of.
type Params struct {
	Application string
	Environment string
	Hash        string
	Image       string
	Params      map[string]interface{} // deployment-params, for e.g. instance-type
}

// Render produces the plain-text user-data script. The exact shell
// dialect is an implementation detail; the one invariant a caller may
// depend on is that ExtractHash(Render(p)) == p.Hash.
func Render(p Params) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "export HASH=%s\n", p.Hash)
	fmt.Fprintf(&b, "export APPLICATION=%s\n", p.Application)
	fmt.Fprintf(&b, "export ENVIRONMENT=%s\n", p.Environment)
	fmt.Fprintf(&b, "export IMAGE=%s\n", p.Image)

	// Emit any remaining scalar deployment-params as exported shell
	// variables, sorted for determinism.
	keys := make([]string, 0, len(p.Params))
	for k := range p.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := p.Params[k]
		switch v.(type) {
		case string, int, int64, float64, bool:
			fmt.Fprintf(&b, "export %s=%v\n", shellVarName(k), v)
		}
	}

	b.WriteString("/opt/maestro/bootstrap.sh\n")
	return b.String()
}

// Base64 encodes the rendered user-data for embedding in a launch
// configuration (AWS requires base64-encoded user-data).
func Base64(p Params) string {
	return base64.StdEncoding.EncodeToString([]byte(Render(p)))
}

// ExtractHash recovers the hash marker from a plain-text user-data blob,
// using the regex named in spec §4.3 step 8: export HASH=([^\s]+).
func ExtractHash(plain string) (string, bool) {
	m := hashMarkerRE.FindStringSubmatch(plain)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractHashFromBase64 base64-decodes userData and recovers its hash
// marker, mirroring how populate-previous-state reads a predecessor ASG's
// launch configuration.
func ExtractHashFromBase64(encoded string) (string, bool) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	return ExtractHash(string(decoded))
}

func shellVarName(key string) string {
	upper := strings.ToUpper(key)
	return strings.Map(func(r rune) rune {
		if r == '-' || r == '.' {
			return '_'
		}
		return r
	}, upper)
}
