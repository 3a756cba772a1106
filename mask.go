package notify

// EventKindMask is a bitfield over the kinds of events a caller wants to
// receive. Every backend (inotify, kqueue, Windows, FSEvents, the poll
// engine) applies it in userspace before delivering to the handler; none
// translates it to native kernel flags.
type EventKindMask uint32

const (
	MaskCreate             EventKindMask = 1 << 0
	MaskRemove             EventKindMask = 1 << 1
	MaskModifyData         EventKindMask = 1 << 2
	MaskModifyMeta         EventKindMask = 1 << 3
	MaskModifyName         EventKindMask = 1 << 4
	MaskAccessOpen         EventKindMask = 1 << 5
	MaskAccessClose        EventKindMask = 1 << 6
	MaskAccessCloseNoWrite EventKindMask = 1 << 7

	MaskAllModify EventKindMask = MaskModifyData | MaskModifyMeta | MaskModifyName
	MaskAllAccess EventKindMask = MaskAccessOpen | MaskAccessClose | MaskAccessCloseNoWrite
	MaskCore      EventKindMask = MaskCreate | MaskRemove | MaskAllModify
	MaskAll       EventKindMask = MaskCore | MaskAllAccess
)

// DefaultMask is what DefaultConfig uses: everything. A zero-value Config
// has an empty mask, which passes only Any and Other events.
const DefaultMask = MaskAll

func (m EventKindMask) has(bit EventKindMask) bool { return m&bit != 0 }

// Matches reports whether kind passes this mask. Any and Other always pass:
// they're meta-events and filtering them out would make rescans and
// unclassified events disappear silently.
func (m EventKindMask) Matches(kind EventKind) bool {
	switch kind.Category {
	case CategoryAny, CategoryOther:
		return true
	case CategoryCreate:
		return m.has(MaskCreate)
	case CategoryRemove:
		return m.has(MaskRemove)
	case CategoryModify:
		switch kind.Modify.Variant {
		case ModifyData:
			return m.has(MaskModifyData)
		case ModifyMetadata:
			return m.has(MaskModifyMeta)
		case ModifyName:
			return m.has(MaskModifyName)
		default: // ModifyAny, ModifyOther
			return m.has(MaskAllModify)
		}
	case CategoryAccess:
		switch kind.Access.Variant {
		case AccessOpen:
			return m.has(MaskAccessOpen)
		case AccessClose:
			switch kind.Access.Mode {
			case ModeWrite:
				return m.has(MaskAccessClose)
			case ModeRead:
				return m.has(MaskAccessCloseNoWrite)
			default:
				return m.has(MaskAccessClose) || m.has(MaskAccessCloseNoWrite)
			}
		default: // AccessRead, AccessAny, AccessOther
			return m.has(MaskAllAccess)
		}
	default:
		return true
	}
}
