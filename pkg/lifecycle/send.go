package lifecycle

import (
	"fmt"
	"strconv"
)

// applyHeaders injects the response headers §4.7 specifies for every
// outgoing response, overriding whatever the origin or cached record
// carried for Content-Length.
func (e *Engine) applyHeaders(resp *Response) {
	if resp.Header == nil {
		resp.Header = make(map[string][]string)
	}

	via := fmt.Sprintf("1.1 %s (Ledge/%s)", e.cfg.Hostname, e.cfg.Version)
	if existing := resp.Header.Get("Via"); existing != "" {
		resp.Header.Set("Via", via+", "+existing)
	} else {
		resp.Header.Set("Via", via)
	}

	xCache := "MISS"
	if resp.State.IsHit() {
		xCache = "HIT"
	}
	resp.Header.Set("X-Cache", xCache)
	resp.Header.Set("X-Cache-State", resp.State.String())
	resp.Header.Set("X-Cache-Action", string(resp.Action))
	resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
}
