package rtpr

import (
	"fmt"

	"firestige.xyz/otus/internal/model"
)

// SessionKey identifies one (src,dst,SSRC) media stream independent of which
// side originated it, per spec §9's symmetric keying suggestion: the two
// addresses are sorted before being combined so a report seen from either
// direction of the same stream maps to the same key.
type SessionKey string

// BuildSessionKey returns the symmetric session key for a and b, combined
// with ssrc.
func BuildSessionKey(a, b model.Address, ssrc uint32) SessionKey {
	sa, sb := a.String(), b.String()
	if sb < sa {
		sa, sb = sb, sa
	}
	return SessionKey(fmt.Sprintf("%s|%s|%d", sa, sb, ssrc))
}
