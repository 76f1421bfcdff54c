package primenet

import (
	"crypto/md5" // #nosec G501 -- MD5 is mandated by the v5 protocol
	"encoding/hex"
	"math/rand/v2"
	"strconv"
	"strings"
)

// ClientKey derives the per-node signing key from a guid.
//
// The 16 byte MD5 digest of the guid is scrambled in place: byte i becomes
// (b ^ 0x45) ^ h[(b ^ 0x49) & 0xF], where b is the byte's current value and
// h[...] reads the buffer as modified so far. The key is the uppercase hex
// MD5 of the scrambled buffer.
func ClientKey(guid string) string {
	h := md5.Sum([]byte(guid)) // #nosec G401
	for i := range h {
		c := h[i]
		idx := (c ^ 0x49) & 0xF
		h[i] = (c ^ 0x45) ^ h[idx]
	}
	sum := md5.Sum(h[:]) // #nosec G401
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// SignQuery appends the salt (ss) and message tag (sh) to query. Both must
// be the last two parameters, in that order.
//
// The tag is the uppercase hex MD5 of the query including "&ss=<salt>&"
// followed by the client key.
func SignQuery(query, guid string, salt uint16) string {
	salted := query + "&ss=" + strconv.Itoa(int(salt)) + "&"
	sum := md5.Sum([]byte(salted + ClientKey(guid))) // #nosec G401
	return salted + "sh=" + strings.ToUpper(hex.EncodeToString(sum[:]))
}

func randomSalt() uint16 {
	return uint16(rand.UintN(1 << 16)) // #nosec G404 -- salt, not a secret
}
