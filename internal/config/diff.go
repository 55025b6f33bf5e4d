package config

// Diff is the result of comparing a current spec set against a proposed
// new one, per §4.9: three disjoint sets driving the Poller Manager and
// Metric Registry pruning.
type Diff struct {
	// Remove holds specs (from the current set) whose chain must be torn
	// down: either the name disappeared entirely, or an identity-bearing
	// field (rpc_url) changed and the old connection must be discarded.
	Remove []ChainSpec
	// Add holds specs (from the new set) for chains that must be created:
	// genuinely new names, plus the new half of an identity-bearing change.
	Add []ChainSpec
	// ReplaceInPlace holds specs (from the new set) for chains that already
	// exist and keep their identity but changed some other field.
	ReplaceInPlace []ChainSpec
}

// IsEmpty reports whether applying this diff would be a no-op, satisfying
// the idempotence property in §8 ("applying the same reload twice yields
// empty add/remove/replace sets").
func (d Diff) IsEmpty() bool {
	return len(d.Remove) == 0 && len(d.Add) == 0 && len(d.ReplaceInPlace) == 0
}

// DiffSpecs computes the reload plan for transitioning from current to next.
func DiffSpecs(current, next []ChainSpec) Diff {
	currentByName := make(map[string]ChainSpec, len(current))
	for _, s := range current {
		currentByName[s.Name] = s
	}
	nextByName := make(map[string]ChainSpec, len(next))
	for _, s := range next {
		nextByName[s.Name] = s
	}

	var d Diff

	for name, oldSpec := range currentByName {
		newSpec, stillPresent := nextByName[name]
		if !stillPresent {
			d.Remove = append(d.Remove, oldSpec)
			continue
		}
		if !oldSpec.IdentityEqual(newSpec) {
			// rpc_url changed: identity-bearing, remove-then-add (§9).
			d.Remove = append(d.Remove, oldSpec)
			d.Add = append(d.Add, newSpec)
			continue
		}
		if !specsEqual(oldSpec, newSpec) {
			d.ReplaceInPlace = append(d.ReplaceInPlace, newSpec)
		}
	}

	for name, newSpec := range nextByName {
		if _, existed := currentByName[name]; !existed {
			d.Add = append(d.Add, newSpec)
		}
	}

	return d
}

// specsEqual compares everything IdentityEqual doesn't, to decide whether a
// still-present chain needs a replace-in-place application.
func specsEqual(a, b ChainSpec) bool {
	if a.PollIntervalRaw != b.PollIntervalRaw {
		return false
	}
	if a.TransferLookbackBlocks != b.TransferLookbackBlocks {
		return false
	}
	if !accountsEqual(a.Accounts, b.Accounts) {
		return false
	}
	if !contractsEqual(a.Contracts, b.Contracts) {
		return false
	}
	return true
}

func accountsEqual(a, b []AccountSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].RawAddr != b[i].RawAddr {
			return false
		}
	}
	return true
}

func contractsEqual(a, b []ContractSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].RawAddr != b[i].RawAddr {
			return false
		}
		al, bl := uint64(0), uint64(0)
		if a[i].TransferLookbackBlocks != nil {
			al = *a[i].TransferLookbackBlocks
		}
		if b[i].TransferLookbackBlocks != nil {
			bl = *b[i].TransferLookbackBlocks
		}
		if al != bl {
			return false
		}
		if len(a[i].Accounts) != len(b[i].Accounts) {
			return false
		}
		for j := range a[i].Accounts {
			if a[i].Accounts[j].Name != b[i].Accounts[j].Name ||
				a[i].Accounts[j].RawAddr != b[i].Accounts[j].RawAddr {
				return false
			}
			at, bt := a[i].Accounts[j].TokenIDs, b[i].Accounts[j].TokenIDs
			if len(at) != len(bt) {
				return false
			}
			for k := range at {
				if at[k] != bt[k] {
					return false
				}
			}
		}
	}
	return true
}
