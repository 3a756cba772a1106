// Copyright 2012 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package notify provides a platform-independent interface for file system
// change notifications.
//
// An [Event] describes one change reported by a [Watcher]: what happened
// (its [EventKind]), which path(s) it concerns, and a small bag of optional
// attributes ([Attrs]). The kind is a small hierarchy rather than a flat
// enum: every level has an Any and an Other catch-all so that a future
// kernel flag notify doesn't know about yet degrades to "something
// happened" instead of being silently dropped from a caller's filter.
package notify

import (
	"fmt"
	"strings"
)

// Category is the top-level classification of an EventKind.
type Category uint8

const (
	// CategoryAny is the catch-all, used when no more specific kind is known.
	CategoryAny Category = iota
	// CategoryAccess describes non-mutating access (open, close, read, exec).
	CategoryAccess
	// CategoryCreate describes the creation of a file, folder, or other
	// structure.
	CategoryCreate
	// CategoryModify describes mutation of content, name, or metadata.
	CategoryModify
	// CategoryRemove describes removal of a file, folder, or other structure.
	CategoryRemove
	// CategoryOther is for events that don't fit any of the above; look in
	// the event's Attrs.Info for a disambiguator.
	CategoryOther
)

func (c Category) String() string {
	switch c {
	case CategoryAny:
		return "any"
	case CategoryAccess:
		return "access"
	case CategoryCreate:
		return "create"
	case CategoryModify:
		return "modify"
	case CategoryRemove:
		return "remove"
	case CategoryOther:
		return "other"
	default:
		return "unknown"
	}
}

// AccessMode further qualifies an AccessKind's Open/Close variant.
type AccessMode uint8

const (
	ModeAny AccessMode = iota
	ModeExecute
	ModeRead
	ModeWrite
	ModeOther
)

// AccessKind describes a non-mutating access event.
type AccessKind struct {
	// Variant is one of AccessAny, AccessRead, AccessOpen, AccessClose,
	// AccessOther.
	Variant AccessVariant
	// Mode is meaningful when Variant is AccessOpen or AccessClose.
	Mode AccessMode
}

type AccessVariant uint8

const (
	AccessAny AccessVariant = iota
	AccessRead
	AccessOpen
	AccessClose
	AccessOther
)

// CreateKind describes a creation event.
type CreateKind uint8

const (
	CreateAny CreateKind = iota
	CreateFile
	CreateFolder
	CreateOther
)

// DataChange describes a data-content mutation.
type DataChange uint8

const (
	DataAny DataChange = iota
	DataSize
	DataContent
	DataOther
)

// MetadataKind describes a metadata mutation.
type MetadataKind uint8

const (
	MetaAny MetadataKind = iota
	MetaAccessTime
	MetaWriteTime
	MetaPermissions
	MetaOwnership
	MetaExtended
	MetaOther
)

// RenameMode describes which side of a two-step rename an event represents.
type RenameMode uint8

const (
	RenameAny RenameMode = iota
	RenameTo
	RenameFrom
	RenameBoth
	RenameOther
)

// ModifyKind describes a mutation event: of data, metadata, or name.
type ModifyKind struct {
	// Variant is one of ModifyAny, ModifyData, ModifyMetadata, ModifyName,
	// ModifyOther.
	Variant  ModifyVariant
	Data     DataChange
	Metadata MetadataKind
	Name     RenameMode
}

type ModifyVariant uint8

const (
	ModifyAny ModifyVariant = iota
	ModifyData
	ModifyMetadata
	ModifyName
	ModifyOther
)

// RemoveKind describes a removal event.
type RemoveKind uint8

const (
	RemoveAny RemoveKind = iota
	RemoveFile
	RemoveFolder
	RemoveOther
)

// EventKind is the canonical, hierarchical description of what happened.
// It is a plain comparable value (no pointers or slices) so it can be
// compared with == and used directly as a map key; the debouncer compares
// kinds to collapse consecutive same-kind duplicates within a path's queue.
type EventKind struct {
	Category Category
	Access   AccessKind
	Create   CreateKind
	Modify   ModifyKind
	Remove   RemoveKind
}

// KindAny is the zero value: unclassified.
var KindAny = EventKind{Category: CategoryAny}

// KindOther is a meta-event that doesn't fit any other category. Pair it
// with Event.SetInfo to say what it was.
var KindOther = EventKind{Category: CategoryOther}

func KindCreate(k CreateKind) EventKind {
	return EventKind{Category: CategoryCreate, Create: k}
}

func KindRemove(k RemoveKind) EventKind {
	return EventKind{Category: CategoryRemove, Remove: k}
}

func KindModifyData(d DataChange) EventKind {
	return EventKind{Category: CategoryModify, Modify: ModifyKind{Variant: ModifyData, Data: d}}
}

func KindModifyMetadata(m MetadataKind) EventKind {
	return EventKind{Category: CategoryModify, Modify: ModifyKind{Variant: ModifyMetadata, Metadata: m}}
}

func KindModifyName(r RenameMode) EventKind {
	return EventKind{Category: CategoryModify, Modify: ModifyKind{Variant: ModifyName, Name: r}}
}

func KindModifyAny() EventKind {
	return EventKind{Category: CategoryModify, Modify: ModifyKind{Variant: ModifyAny}}
}

func KindModifyOther() EventKind {
	return EventKind{Category: CategoryModify, Modify: ModifyKind{Variant: ModifyOther}}
}

func KindAccessOpen(m AccessMode) EventKind {
	return EventKind{Category: CategoryAccess, Access: AccessKind{Variant: AccessOpen, Mode: m}}
}

func KindAccessClose(m AccessMode) EventKind {
	return EventKind{Category: CategoryAccess, Access: AccessKind{Variant: AccessClose, Mode: m}}
}

func KindAccessRead() EventKind {
	return EventKind{Category: CategoryAccess, Access: AccessKind{Variant: AccessRead}}
}

func (k EventKind) IsAccess() bool { return k.Category == CategoryAccess }
func (k EventKind) IsCreate() bool { return k.Category == CategoryCreate }
func (k EventKind) IsModify() bool { return k.Category == CategoryModify }
func (k EventKind) IsRemove() bool { return k.Category == CategoryRemove }
func (k EventKind) IsOther() bool  { return k.Category == CategoryOther }

func (k EventKind) String() string {
	switch k.Category {
	case CategoryCreate:
		return "create(" + createKindString(k.Create) + ")"
	case CategoryRemove:
		return "remove(" + removeKindString(k.Remove) + ")"
	case CategoryModify:
		switch k.Modify.Variant {
		case ModifyData:
			return "modify(data)"
		case ModifyMetadata:
			return "modify(metadata)"
		case ModifyName:
			return "modify(name:" + renameModeString(k.Modify.Name) + ")"
		default:
			return "modify(any)"
		}
	case CategoryAccess:
		switch k.Access.Variant {
		case AccessOpen:
			return "access(open)"
		case AccessClose:
			return "access(close)"
		case AccessRead:
			return "access(read)"
		default:
			return "access(any)"
		}
	case CategoryOther:
		return "other"
	default:
		return "any"
	}
}

func createKindString(k CreateKind) string {
	switch k {
	case CreateFile:
		return "file"
	case CreateFolder:
		return "folder"
	case CreateOther:
		return "other"
	default:
		return "any"
	}
}

func removeKindString(k RemoveKind) string {
	switch k {
	case RemoveFile:
		return "file"
	case RemoveFolder:
		return "folder"
	case RemoveOther:
		return "other"
	default:
		return "any"
	}
}

func renameModeString(r RenameMode) string {
	switch r {
	case RenameTo:
		return "to"
	case RenameFrom:
		return "from"
	case RenameBoth:
		return "both"
	case RenameOther:
		return "other"
	default:
		return "any"
	}
}

// Flag is a special notify-level signal carried on an event's Attrs,
// orthogonal to Kind.
type Flag uint8

const (
	// FlagNone means no flag is set.
	FlagNone Flag = iota
	// FlagRescan means events may have been lost; the consumer should
	// re-read the affected subtree.
	FlagRescan
)

// Attrs is the event's sparse attribute bag. All fields are optional; the
// "Has*" companions distinguish "zero value" from "not present" for the
// attributes where zero is a valid value.
type Attrs struct {
	Tracker      uint64
	HasTracker   bool
	Flag         Flag
	Info         string
	Source       string
	ProcessID    uint32
	HasProcessID bool
}

// Event is a single, canonical filesystem notification, as produced by any
// backend or by the debouncer.
type Event struct {
	Kind  EventKind
	Paths []string
	Attrs Attrs
}

// NewEvent constructs an event of the given kind with no paths set.
func NewEvent(kind EventKind) Event {
	return Event{Kind: kind}
}

// AddPath appends a path and returns the event for chaining.
func (e Event) AddPath(path string) Event {
	e.Paths = append(e.Paths, path)
	return e
}

// SetTracker sets the correlation id and returns the event for chaining.
func (e Event) SetTracker(tracker uint64) Event {
	e.Attrs.Tracker = tracker
	e.Attrs.HasTracker = true
	return e
}

// SetFlag sets the notify flag and returns the event for chaining.
func (e Event) SetFlag(f Flag) Event {
	e.Attrs.Flag = f
	return e
}

// SetInfo sets the disambiguating info string and returns the event for
// chaining.
func (e Event) SetInfo(info string) Event {
	e.Attrs.Info = info
	return e
}

// SetSource sets the backend identifier and returns the event for chaining.
func (e Event) SetSource(source string) Event {
	e.Attrs.Source = source
	return e
}

// SetProcessID sets the experimental originating-process attribute and
// returns the event for chaining.
func (e Event) SetProcessID(pid uint32) Event {
	e.Attrs.ProcessID = pid
	e.Attrs.HasProcessID = true
	return e
}

func (e Event) IsAccess() bool { return e.Kind.IsAccess() }
func (e Event) IsCreate() bool { return e.Kind.IsCreate() }
func (e Event) IsModify() bool { return e.Kind.IsModify() }
func (e Event) IsRemove() bool { return e.Kind.IsRemove() }
func (e Event) IsOther() bool  { return e.Kind.IsOther() }

// NeedRescan reports whether this event is the kernel-overflow sentinel
// that means events may have been lost.
func (e Event) NeedRescan() bool { return e.Attrs.Flag == FlagRescan }

// Equal reports whether two events are the same: Kind, Paths, Tracker,
// Flag, Info, and Source all participate. ProcessID is best-effort
// diagnostic data and never does.
func (e Event) Equal(o Event) bool {
	if e.Kind != o.Kind || e.Attrs.Flag != o.Attrs.Flag || e.Attrs.Info != o.Attrs.Info ||
		e.Attrs.Source != o.Attrs.Source {
		return false
	}
	if e.Attrs.HasTracker != o.Attrs.HasTracker {
		return false
	}
	if e.Attrs.HasTracker && e.Attrs.Tracker != o.Attrs.Tracker {
		return false
	}
	if len(e.Paths) != len(o.Paths) {
		return false
	}
	for i, p := range e.Paths {
		if o.Paths[i] != p {
			return false
		}
	}
	return true
}

func (e Event) String() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if len(e.Paths) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Paths, " -> "))
	}
	if e.Attrs.HasTracker {
		fmt.Fprintf(&b, " [tracker=%d]", e.Attrs.Tracker)
	}
	if e.Attrs.Flag == FlagRescan {
		b.WriteString(" [rescan]")
	}
	if e.Attrs.Info != "" {
		fmt.Fprintf(&b, " [info=%s]", e.Attrs.Info)
	}
	return b.String()
}
