package service

import (
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/sha3"
)

// TallyDigest is the hex Keccak-256 of a voting's decrypted tally, in the
// order returned by the mix authority. It lets auditors check a published
// tally against the stored one.
func TallyDigest(votingID uint, tally []int64) string {
	h := sha3.NewLegacyKeccak256()
	buf := make([]byte, 0, 16+len(tally)*4)
	buf = append(buf, "voting:"...)
	buf = strconv.AppendUint(buf, uint64(votingID), 10)
	buf = append(buf, '\n')
	for i, v := range tally {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendInt(buf, v, 10)
	}
	h.Write(buf)
	return hex.EncodeToString(h.Sum(nil))
}
