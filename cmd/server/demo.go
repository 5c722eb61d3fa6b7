package main

import (
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/repository"
)

// seedDemo loads the rows from seed/*.sql so the memory store is usable
// without Postgres.
func seedDemo(mem *repository.MemoryStore) {
	for _, t := range []*model.Template{
		{ID: "tpl_reminder_sms", Channel: model.ChannelSMS, Body: "Hi {first_name}, this is a reminder of your appointment on {next_appointment_at}."},
		{ID: "tpl_recall_email", Channel: model.ChannelEmail, Subject: "Time for your check-up", Body: "Dear {first_name}, it has been a while since your last visit. Book your check-up today."},
		{ID: "tpl_followup_sms", Channel: model.ChannelSMS, Body: "Hi {first_name}, how are you feeling after your visit? Reply to let us know."},
		{ID: "tpl_wellness_push", Channel: model.ChannelPush, Subject: "Wellness tip", Body: "Stay hydrated, {first_name}! Small habits make a big difference."},
		{ID: "tpl_minor_sms", Channel: model.ChannelSMS, Body: "Hello! A reminder for {first_name}'s guardian: a visit is due soon."},
		{ID: "tpl_adult_sms", Channel: model.ChannelSMS, Body: "Hi {first_name}, your annual screening is due."},
	} {
		mem.AddTemplate(t)
	}

	for _, r := range []*model.Recipient{
		{ID: "pat_001", Attributes: model.Attributes{"first_name": "Amina", "last_name": "Otieno", "age": 34.0, "phone": "+254700000001",
			"city": "Nairobi", "preferred_channel": "SMS", "tags": []any{"vip"}, "last_visit_at": "2026-01-15"}},
		{ID: "pat_002", Attributes: model.Attributes{"first_name": "Brian", "last_name": "Kamau", "age": 15.0, "phone": "+254700000002",
			"city": "Mombasa", "preferred_channel": "SMS", "last_visit_at": "2025-11-02"}},
		{ID: "pat_003", Attributes: model.Attributes{"first_name": "Chloe", "last_name": "Wanjiru", "age": 52.0, "email": "chloe@example.com",
			"city": "Kisumu", "preferred_channel": "EMAIL", "next_appointment_at": "2026-11-20T09:30:00Z"}},
		{ID: "pat_004", Attributes: model.Attributes{"first_name": "David", "last_name": "Mutua", "age": 41.0, "phone": "+254700000004",
			"city": "Nairobi", "opted_out": true}},
		{ID: "pat_005", Attributes: model.Attributes{"first_name": "Esther", "last_name": "Njeri", "age": 8.0, "phone": "+254700000005",
			"city": "Nakuru", "tags": []any{"pediatric"}}},
	} {
		mem.AddRecipient(r)
	}
}
