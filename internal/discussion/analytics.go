package discussion

// Analytics summarizes participation in a discussion.
type Analytics struct {
	TotalMessages       int                       `json:"total_messages"`
	ActiveUsers         int                       `json:"active_users"`
	MessagesPerUser     map[string]int            `json:"messages_per_user"`
	ReactionsPerMessage []int                     `json:"reactions_per_message"`
	Interactions        map[string]map[string]int `json:"interactions"`
}

// replyWindow is how many following messages count as replies to a message.
const replyWindow = 2

// Analytics counts messages, reactions and who answered whom. A message
// from a different sender within replyWindow messages counts as a reply.
func (d *Discussion) Analytics() Analytics {
	msgs := d.Messages()
	a := Analytics{
		TotalMessages:       len(msgs),
		MessagesPerUser:     make(map[string]int),
		ReactionsPerMessage: make([]int, len(msgs)),
		Interactions:        make(map[string]map[string]int),
	}

	for i, m := range msgs {
		a.MessagesPerUser[m.Sender]++
		for _, users := range m.Reactions {
			a.ReactionsPerMessage[i] += len(users)
		}

		for j := i + 1; j < len(msgs) && j <= i+replyWindow; j++ {
			reply := msgs[j]
			if reply.Sender == m.Sender {
				continue
			}
			if a.Interactions[m.Sender] == nil {
				a.Interactions[m.Sender] = make(map[string]int)
			}
			a.Interactions[m.Sender][reply.Sender]++
		}
	}
	a.ActiveUsers = len(a.MessagesPerUser)
	return a
}
