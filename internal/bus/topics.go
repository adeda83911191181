package bus

// Topics produced or consumed by the assistant core.
const (
	TopicResponseReceived = "ai:response_received"
	TopicCommand          = "ai:command"
	TopicCommandExecuted  = "command:executed"
	TopicStateChanged     = "state:changed"

	TopicLayoutOpen    = "layout:open"
	TopicLayoutClosed  = "layout:closed"
	TopicLayoutToggle  = "layout:toggle"
	TopicLayoutResized = "layout:resized"

	TopicIndexReady  = "index:ready"
	TopicInputIntent = "input:intent"
	TopicDataUpdate  = "data:update"
	TopicTourStep    = "tour:step"
	TopicTourEnded   = "tour:ended"
	TopicToursLoaded = "tours:loaded"

	// Persistence-layer signals are displayed but never required for correctness.
	TopicSessionRestored = "persistence:session_restored"
	TopicLeadSaved       = "persistence:lead_saved"
)

// PersistenceTopics lists the persistence-layer topics in display order.
var PersistenceTopics = []string{TopicSessionRestored, TopicLeadSaved}

// PersistenceTopic maps a page-reported persistence signal such as
// "lead_saved" to its topic.
func PersistenceTopic(signal string) (string, bool) {
	for _, t := range PersistenceTopics {
		if t == "persistence:"+signal {
			return t, true
		}
	}
	return "", false
}

const selfTestTopic = "bus:selftest"
