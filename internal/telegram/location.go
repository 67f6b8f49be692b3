package telegram

import "github.com/gotd/td/tg"

// FileLocation addresses one remote object: the wire-level input location
// plus the DC that owns it. Values are immutable: when a file reference goes
// stale the handle is re-resolved into a brand-new FileLocation, never
// patched in place.
type FileLocation struct {
	DC    int
	Input tg.InputFileLocationClass
}

// DocumentLocation builds the location for a generic document.
func DocumentLocation(dc int, id, accessHash int64, fileReference []byte) FileLocation {
	return FileLocation{
		DC: dc,
		Input: &tg.InputDocumentFileLocation{
			ID:            id,
			AccessHash:    accessHash,
			FileReference: fileReference,
		},
	}
}

// PhotoLocation builds the location for a photo at the given size type.
func PhotoLocation(dc int, id, accessHash int64, fileReference []byte, thumbSize string) FileLocation {
	return FileLocation{
		DC: dc,
		Input: &tg.InputPhotoFileLocation{
			ID:            id,
			AccessHash:    accessHash,
			FileReference: fileReference,
			ThumbSize:     thumbSize,
		},
	}
}

// ChatPhotoLocation builds the location for a chat avatar.
func ChatPhotoLocation(dc int, peer tg.InputPeerClass, photoID int64, big bool) FileLocation {
	return FileLocation{
		DC: dc,
		Input: &tg.InputPeerPhotoFileLocation{
			Peer:    peer,
			PhotoID: photoID,
			Big:     big,
		},
	}
}
