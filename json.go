package notify

import (
	"encoding/json"
	"fmt"
)

// wireEvent is the on-the-wire shape of an Event: kind/paths/attrs, with the
// kind keyed by category —
// {"create":{"kind":"file"}}, {"modify":{"kind":"rename","mode":"both"}},
// {"access":{"kind":"close","mode":"write"}}.
type wireEvent struct {
	Any     *struct{}        `json:"any,omitempty"`
	Access  *wireAccessKind  `json:"access,omitempty"`
	Create  *wireCreateKind  `json:"create,omitempty"`
	Modify  *wireModifyKind  `json:"modify,omitempty"`
	Remove  *wireRemoveKind  `json:"remove,omitempty"`
	Other   *struct{}        `json:"other,omitempty"`
	Paths   []string         `json:"paths,omitempty"`
	Tracker *uint64          `json:"tracker,omitempty"`
	Flag    string           `json:"flag,omitempty"`
	Info    string           `json:"info,omitempty"`
	Source  string           `json:"source,omitempty"`
}

type wireAccessKind struct {
	Kind string `json:"kind"`
	Mode string `json:"mode,omitempty"`
}

type wireCreateKind struct {
	Kind string `json:"kind"`
}

type wireModifyKind struct {
	Kind string `json:"kind"`
	Mode string `json:"mode,omitempty"`
}

type wireRemoveKind struct {
	Kind string `json:"kind"`
}

func accessVariantString(v AccessVariant) string {
	switch v {
	case AccessRead:
		return "read"
	case AccessOpen:
		return "open"
	case AccessClose:
		return "close"
	case AccessOther:
		return "other"
	default:
		return "any"
	}
}

func accessModeString(m AccessMode) string {
	switch m {
	case ModeExecute:
		return "execute"
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeOther:
		return "other"
	default:
		return "any"
	}
}

func dataChangeString(d DataChange) string {
	switch d {
	case DataSize:
		return "size"
	case DataContent:
		return "content"
	case DataOther:
		return "other"
	default:
		return "any"
	}
}

func metadataKindString(m MetadataKind) string {
	switch m {
	case MetaAccessTime:
		return "access-time"
	case MetaWriteTime:
		return "write-time"
	case MetaPermissions:
		return "permissions"
	case MetaOwnership:
		return "ownership"
	case MetaExtended:
		return "extended"
	case MetaOther:
		return "other"
	default:
		return "any"
	}
}

// MarshalJSON renders e in the wire format described on wireEvent.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Paths: e.Paths}
	if e.Attrs.HasTracker {
		w.Tracker = &e.Attrs.Tracker
	}
	if e.Attrs.Flag == FlagRescan {
		w.Flag = "rescan"
	}
	w.Info = e.Attrs.Info
	w.Source = e.Attrs.Source

	switch e.Kind.Category {
	case CategoryAny:
		w.Any = &struct{}{}
	case CategoryOther:
		w.Other = &struct{}{}
	case CategoryCreate:
		w.Create = &wireCreateKind{Kind: createKindString(e.Kind.Create)}
	case CategoryRemove:
		w.Remove = &wireRemoveKind{Kind: removeKindString(e.Kind.Remove)}
	case CategoryModify:
		m := e.Kind.Modify
		switch m.Variant {
		case ModifyData:
			w.Modify = &wireModifyKind{Kind: "data", Mode: dataChangeString(m.Data)}
		case ModifyMetadata:
			w.Modify = &wireModifyKind{Kind: "metadata", Mode: metadataKindString(m.Metadata)}
		case ModifyName:
			w.Modify = &wireModifyKind{Kind: "rename", Mode: renameModeString(m.Name)}
		case ModifyOther:
			w.Modify = &wireModifyKind{Kind: "other"}
		default:
			w.Modify = &wireModifyKind{Kind: "any"}
		}
	case CategoryAccess:
		a := e.Kind.Access
		w.Access = &wireAccessKind{Kind: accessVariantString(a.Variant)}
		if a.Variant == AccessOpen || a.Variant == AccessClose {
			w.Access.Mode = accessModeString(a.Mode)
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire format back into e.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{Paths: w.Paths}
	if w.Tracker != nil {
		e.Attrs.Tracker = *w.Tracker
		e.Attrs.HasTracker = true
	}
	if w.Flag == "rescan" {
		e.Attrs.Flag = FlagRescan
	}
	e.Attrs.Info = w.Info
	e.Attrs.Source = w.Source

	switch {
	case w.Create != nil:
		e.Kind = KindCreate(parseCreateKind(w.Create.Kind))
	case w.Remove != nil:
		e.Kind = KindRemove(parseRemoveKind(w.Remove.Kind))
	case w.Modify != nil:
		switch w.Modify.Kind {
		case "data":
			e.Kind = KindModifyData(parseDataChange(w.Modify.Mode))
		case "metadata":
			e.Kind = KindModifyMetadata(parseMetadataKind(w.Modify.Mode))
		case "rename":
			e.Kind = KindModifyName(parseRenameMode(w.Modify.Mode))
		case "other":
			e.Kind = KindModifyOther()
		default:
			e.Kind = KindModifyAny()
		}
	case w.Access != nil:
		mode := parseAccessMode(w.Access.Mode)
		switch w.Access.Kind {
		case "open":
			e.Kind = KindAccessOpen(mode)
		case "close":
			e.Kind = KindAccessClose(mode)
		case "read":
			e.Kind = KindAccessRead()
		default:
			e.Kind = EventKind{Category: CategoryAccess}
		}
	case w.Other != nil:
		e.Kind = KindOther
	default:
		e.Kind = KindAny
	}
	return nil
}

func parseCreateKind(s string) CreateKind {
	switch s {
	case "file":
		return CreateFile
	case "folder":
		return CreateFolder
	case "other":
		return CreateOther
	default:
		return CreateAny
	}
}

func parseRemoveKind(s string) RemoveKind {
	switch s {
	case "file":
		return RemoveFile
	case "folder":
		return RemoveFolder
	case "other":
		return RemoveOther
	default:
		return RemoveAny
	}
}

func parseDataChange(s string) DataChange {
	switch s {
	case "size":
		return DataSize
	case "content":
		return DataContent
	case "other":
		return DataOther
	default:
		return DataAny
	}
}

func parseMetadataKind(s string) MetadataKind {
	switch s {
	case "access-time":
		return MetaAccessTime
	case "write-time":
		return MetaWriteTime
	case "permissions":
		return MetaPermissions
	case "ownership":
		return MetaOwnership
	case "extended":
		return MetaExtended
	case "other":
		return MetaOther
	default:
		return MetaAny
	}
}

func parseRenameMode(s string) RenameMode {
	switch s {
	case "to":
		return RenameTo
	case "from":
		return RenameFrom
	case "both":
		return RenameBoth
	case "other":
		return RenameOther
	default:
		return RenameAny
	}
}

func parseAccessMode(s string) AccessMode {
	switch s {
	case "execute":
		return ModeExecute
	case "read":
		return ModeRead
	case "write":
		return ModeWrite
	case "other":
		return ModeOther
	default:
		return ModeAny
	}
}

// compatEvent is the older tag shape ({"type": "modify", ...}) some
// upgrading consumers still send/expect.
type compatEvent struct {
	Type    string   `json:"type"`
	Mode    string   `json:"mode,omitempty"`
	SubKind string   `json:"kind,omitempty"`
	Paths   []string `json:"paths,omitempty"`
	Tracker *uint64  `json:"tracker,omitempty"`
	Flag    string   `json:"flag,omitempty"`
	Info    string   `json:"info,omitempty"`
	Source  string   `json:"source,omitempty"`
}

// MarshalJSONCompat renders e using the older {"type": ...} tag shape, for
// upgrade scenarios where a consumer hasn't moved to the current format.
func (e Event) MarshalJSONCompat() ([]byte, error) {
	c := compatEvent{Paths: e.Paths, Info: e.Attrs.Info, Source: e.Attrs.Source}
	if e.Attrs.HasTracker {
		c.Tracker = &e.Attrs.Tracker
	}
	if e.Attrs.Flag == FlagRescan {
		c.Flag = "rescan"
	}
	switch e.Kind.Category {
	case CategoryAny:
		c.Type = "any"
	case CategoryOther:
		c.Type = "other"
	case CategoryCreate:
		c.Type = "create"
		c.SubKind = createKindString(e.Kind.Create)
	case CategoryRemove:
		c.Type = "remove"
		c.SubKind = removeKindString(e.Kind.Remove)
	case CategoryModify:
		c.Type = "modify"
		m := e.Kind.Modify
		switch m.Variant {
		case ModifyData:
			c.SubKind, c.Mode = "data", dataChangeString(m.Data)
		case ModifyMetadata:
			c.SubKind, c.Mode = "metadata", metadataKindString(m.Metadata)
		case ModifyName:
			c.SubKind, c.Mode = "rename", renameModeString(m.Name)
		default:
			c.SubKind = "any"
		}
	case CategoryAccess:
		c.Type = "access"
		a := e.Kind.Access
		c.SubKind = accessVariantString(a.Variant)
		if a.Variant == AccessOpen || a.Variant == AccessClose {
			c.Mode = accessModeString(a.Mode)
		}
	}
	return json.Marshal(c)
}

// UnmarshalJSONCompat parses the older {"type": ...} tag shape into e.
func (e *Event) UnmarshalJSONCompat(data []byte) error {
	var c compatEvent
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	*e = Event{Paths: c.Paths}
	if c.Tracker != nil {
		e.Attrs.Tracker = *c.Tracker
		e.Attrs.HasTracker = true
	}
	if c.Flag == "rescan" {
		e.Attrs.Flag = FlagRescan
	}
	e.Attrs.Info = c.Info
	e.Attrs.Source = c.Source

	switch c.Type {
	case "create":
		e.Kind = KindCreate(parseCreateKind(c.SubKind))
	case "remove":
		e.Kind = KindRemove(parseRemoveKind(c.SubKind))
	case "modify":
		switch c.SubKind {
		case "data":
			e.Kind = KindModifyData(parseDataChange(c.Mode))
		case "metadata":
			e.Kind = KindModifyMetadata(parseMetadataKind(c.Mode))
		case "rename":
			e.Kind = KindModifyName(parseRenameMode(c.Mode))
		default:
			e.Kind = KindModifyAny()
		}
	case "access":
		mode := parseAccessMode(c.Mode)
		switch c.SubKind {
		case "open":
			e.Kind = KindAccessOpen(mode)
		case "close":
			e.Kind = KindAccessClose(mode)
		case "read":
			e.Kind = KindAccessRead()
		default:
			e.Kind = EventKind{Category: CategoryAccess}
		}
	case "other":
		e.Kind = KindOther
	case "any":
		e.Kind = KindAny
	default:
		return fmt.Errorf("notify: unknown compat event type %q", c.Type)
	}
	return nil
}
