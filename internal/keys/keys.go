// Package keys centralizes the on-the-wire coordination-store key names
// (spec §3) so every package builds them the same way.
package keys

import "fmt"

const (
	BotsDeployed      = "bots:deployed"
	BotsActive        = "bots:active"
	BotsCycling       = "bots:cycling"
	RotationQueue     = "bots:rotation:queue"
	RotationConfig    = "bots:rotation:config"
	QueueElo          = "queue:elo"
	MatchesActive     = "matches:active"
	Leader            = "bots:leader"
	CommandsChannel   = "bots:commands"
)

func CyclingGuard(botID string) string    { return fmt.Sprintf("bots:cycling:%s", botID) }
func BotState(botID string) string        { return fmt.Sprintf("bots:state:%s", botID) }
func CurrentMatch(botID string) string    { return fmt.Sprintf("bot:current_match:%s", botID) }
func QueueReservation(botID string) string { return fmt.Sprintf("queue:reservation:%s", botID) }
