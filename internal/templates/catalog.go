package templates

import "remind/internal/delivery"

var builtin = []Template{
	{
		Kind:      BookingConfirmation,
		Title:     "Your session is booked",
		Immediate: true,
		Bodies: map[delivery.Channel]string{
			delivery.Email: "Hi {{clientName}},\n\nYour session with {{therapistName}} is confirmed for {{sessionTime}} ({{timezone}}).\n\nSee you then,\nAmitaCare",
			delivery.SMS:   "AmitaCare: session with {{therapistName}} confirmed for {{sessionTime}}.",
			delivery.Push:  "Session with {{therapistName}} confirmed for {{sessionTime}}.",
		},
	},
	{
		Kind:          DayBefore,
		Title:         "Your session is tomorrow",
		OffsetMinutes: 24 * 60,
		Bodies: map[delivery.Channel]string{
			delivery.Email: "Hi {{clientName}},\n\nA reminder that your session with {{therapistName}} is tomorrow at {{sessionTime}} ({{timezone}}).\n\nAmitaCare",
			delivery.SMS:   "AmitaCare: your session with {{therapistName}} is tomorrow at {{sessionTime}}.",
			delivery.Push:  "Tomorrow at {{sessionTime}}: session with {{therapistName}}.",
		},
	},
	{
		Kind:          TwoHoursBefore,
		Title:         "Your session starts in 2 hours",
		OffsetMinutes: 2 * 60,
		Bodies: map[delivery.Channel]string{
			delivery.Email: "Hi {{clientName}},\n\nYour session with {{therapistName}} starts in 2 hours, at {{sessionTime}}.\n\nAmitaCare",
			delivery.SMS:   "AmitaCare: your session with {{therapistName}} starts at {{sessionTime}}.",
			delivery.Push:  "Your session starts in 2 hours.",
		},
	},
	{
		Kind:          FifteenMinutes,
		Title:         "Your session starts in 15 minutes",
		OffsetMinutes: 15,
		Bodies: map[delivery.Channel]string{
			delivery.Email: "Hi {{clientName}},\n\nYour session with {{therapistName}} starts in 15 minutes. Find a quiet space and join when you are ready.\n\nAmitaCare",
			delivery.SMS:   "AmitaCare: your session starts in 15 minutes.",
			delivery.Push:  "Your session starts in 15 minutes.",
		},
	},
	{
		Kind:          SessionStarting,
		Title:         "Your session is starting",
		OffsetMinutes: 0,
		Bodies: map[delivery.Channel]string{
			delivery.Email: "Hi {{clientName}},\n\nYour session with {{therapistName}} is starting now.\n\nAmitaCare",
			delivery.SMS:   "AmitaCare: your session with {{therapistName}} is starting now.",
			delivery.Push:  "Your session is starting now.",
		},
	},
	{
		Kind:          SessionMissed,
		Title:         "We missed you",
		OffsetMinutes: -15,
		Bodies: map[delivery.Channel]string{
			delivery.Email: "Hi {{clientName}},\n\nIt looks like you could not join your session at {{sessionTime}}. Reply to this email or visit your dashboard to rebook.\n\nAmitaCare",
			delivery.SMS:   "AmitaCare: we missed you at {{sessionTime}}. Visit your dashboard to rebook.",
			delivery.Push:  "We missed you today. Tap to rebook.",
		},
	},
	{
		Kind:          FollowUp,
		Title:         "How was your session?",
		OffsetMinutes: -24 * 60,
		Bodies: map[delivery.Channel]string{
			delivery.Email: "Hi {{clientName}},\n\nThank you for your session with {{therapistName}} on {{sessionDate}}. We would love to hear how it went.\n\nAmitaCare",
			delivery.SMS:   "AmitaCare: how was your session with {{therapistName}}? Share feedback from your dashboard.",
			delivery.Push:  "How was your session? Share your feedback.",
		},
	},
}
