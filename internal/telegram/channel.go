package telegram

// BareChannelID maps Bot-API style -100XXXXXXXXXX chat ids onto bare MTProto
// channel ids. Bare ids pass through unchanged.
func BareChannelID(id int64) int64 {
	if id < 0 {
		id = -id
		if id > 1_000_000_000_000 {
			id -= 1_000_000_000_000
		}
	}
	return id
}
