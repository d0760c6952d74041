// Package conversation stores per-customer conversation state for every
// organization: the running message context, the latest post-call summary,
// the phone <-> lead mapping, and conversation metadata used to route voice
// provider events.
//
// All state lives in a cache.Store under keys built by the tenant package.
// Every key is scoped by organization and canonical phone number, so a voice
// call and a follow-up text message read and write the same records.
//
// # Usage
//
//	repo := conversation.NewRepository(store, conversation.DefaultConfig(), logger,
//	    conversation.WithArchive(archiveStore),
//	    conversation.WithDirectory(orgDirectory),
//	)
//
//	msgs, err := repo.AppendMessages(ctx, orgID, "+15551234567", leadID, conversation.Message{
//	    Role:    conversation.RoleCustomer,
//	    Channel: conversation.ChannelSMS,
//	    Content: "Is the truck still available?",
//	})
//
// Calls without an organization id are refused: writes return
// ErrMissingOrganization and reads return nothing.
package conversation
