package loader

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"hash"
	"strings"

	"github.com/seantiz/enginebridge/internal/enginerr"
)

// Supported integrity algorithms, weakest first.
var sriAlgorithms = []struct {
	name string
	size int
	new  func() hash.Hash
}{
	{"sha256", sha256.Size, sha256.New},
	{"sha384", sha512.Size384, sha512.New384},
	{"sha512", sha512.Size, sha512.New},
}

type digest struct {
	alg  int
	want []byte
}

// parseSRI returns the digests of the strongest algorithm present in a
// space-separated integrity value. Unknown algorithms, malformed digests and
// options after "?" are ignored.
func parseSRI(sri string) ([]digest, error) {
	best := -1
	var out []digest
	for _, tok := range strings.Fields(sri) {
		algName, b64, ok := strings.Cut(tok, "-")
		if !ok {
			continue
		}
		b64, _, _ = strings.Cut(b64, "?")
		alg := -1
		for i, a := range sriAlgorithms {
			if a.name == strings.ToLower(algName) {
				alg = i
			}
		}
		if alg < 0 {
			continue
		}
		want, err := base64.StdEncoding.DecodeString(b64)
		if err != nil || len(want) != sriAlgorithms[alg].size {
			continue
		}
		switch {
		case alg > best:
			best = alg
			out = []digest{{alg: alg, want: want}}
		case alg == best:
			out = append(out, digest{alg: alg, want: want})
		}
	}
	if len(out) == 0 {
		return nil, enginerr.Validation("verify integrity", "integrity value %q has no supported algorithm", sri).
			WithHint("use sha256, sha384 or sha512 digests")
	}
	return out, nil
}

// verifySRI checks data against the strongest algorithm in sri. Any digest
// of that algorithm may match.
func verifySRI(data []byte, sri string) error {
	digests, err := parseSRI(sri)
	if err != nil {
		return err
	}
	h := sriAlgorithms[digests[0].alg].new()
	h.Write(data)
	sum := h.Sum(nil)
	for _, d := range digests {
		if subtle.ConstantTimeCompare(sum, d.want) == 1 {
			return nil
		}
	}
	return enginerr.Security("verify integrity", "%s digest mismatch", sriAlgorithms[digests[0].alg].name)
}

// SRI returns the sha384 integrity value for data.
func SRI(data []byte) string {
	sum := sha512.Sum384(data)
	return "sha384-" + base64.StdEncoding.EncodeToString(sum[:])
}
