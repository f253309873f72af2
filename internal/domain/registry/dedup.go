package registry

// Dedupe collapses records sharing a canonical identity down to one
// winner each, preserving first-seen order of identities. The winner is
// the highest version; on a version tie the most recently updated copy
// wins, and an origin copy beats a replica.
func Dedupe(regs []Registration) []Registration {
	index := make(map[[2]string]int, len(regs))
	out := make([]Registration, 0, len(regs))

	for _, reg := range regs {
		key := [2]string{reg.OriginServer, reg.OriginID}
		at, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, reg)
			continue
		}
		if wins(reg, out[at]) {
			out[at] = reg
		}
	}
	return out
}

func wins(candidate, current Registration) bool {
	if candidate.Version != current.Version {
		return candidate.Version > current.Version
	}
	if !candidate.UpdatedAt.Equal(current.UpdatedAt) {
		return candidate.UpdatedAt.After(current.UpdatedAt)
	}
	return candidate.IsLocal() && !current.IsLocal()
}
