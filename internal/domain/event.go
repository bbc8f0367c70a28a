package domain

const (
	EventNameVoteSubmitted   = "vote.submitted"
	EventNameKioskClaimed    = "kiosk.claimed"
	EventNameKioskReleased   = "kiosk.released"
	EventNameKioskConflict   = "kiosk.conflict"
	EventNameAccountLoggedIn = "account.logged_in"
	EventNameStatsUpdated    = "stats.updated"
)

type EventVoteSubmitted struct {
	Vote Vote
}

func (EventVoteSubmitted) Name() string { return EventNameVoteSubmitted }

type EventKioskClaimed struct {
	Lock LockEntry
}

func (EventKioskClaimed) Name() string { return EventNameKioskClaimed }

type EventKioskReleased struct {
	Lock LockEntry
}

func (EventKioskReleased) Name() string { return EventNameKioskReleased }

// EventKioskConflict is published when a login could not claim one of its kiosks
// because another operator holds it.
type EventKioskConflict struct {
	Kiosk     string
	Holder    string
	Requester string
}

func (EventKioskConflict) Name() string { return EventNameKioskConflict }

type EventAccountLoggedIn struct {
	Username string
	IsAdmin  bool
	Bound    []string
}

func (EventAccountLoggedIn) Name() string { return EventNameAccountLoggedIn }

// EventStatsUpdated carries fresh statistics of a kiosk after new votes.
type EventStatsUpdated struct {
	Kiosk string
	Stats KioskStats
}

func (EventStatsUpdated) Name() string { return EventNameStatsUpdated }
