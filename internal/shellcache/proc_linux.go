//go:build linux

package shellcache

import "github.com/prometheus/procfs"

// processRSSBytes reports the resident set size of this process.
func processRSSBytes() (uint64, bool) {
	self, err := procfs.Self()
	if err != nil {
		return 0, false
	}
	st, err := self.Stat()
	if err != nil {
		return 0, false
	}
	rss := st.ResidentMemory()
	if rss <= 0 {
		return 0, false
	}
	return uint64(rss), true
}
