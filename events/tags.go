// Package events implements the event dispatcher, its handler surface, and
// the event publisher for the headers-routed event bus.
package events

// Tag is an event-tag string drawn from the closed enumeration below. It is
// used verbatim as a per-event exchange name and as the value half of the
// header-matching binding argument.
type Tag string

// The closed catalog of event tags. Handlers are registered against one of
// these (or, for code outside this module, any Tag-typed string).
const (
	TestImage Tag = "test.image"
	TestMint  Tag = "test.mint"

	AuthDeletedUser Tag = "auth.deleted_user"
	AuthLogoutUser  Tag = "auth.logout_user"
	AuthNewUser     Tag = "auth.new_user"
	AuthBlockedUser Tag = "auth.blocked_user"

	LegendMissionsNewMissionCreated                     Tag = "legend_missions.new_mission_created"
	LegendMissionsOngoingMission                        Tag = "legend_missions.ongoing_mission"
	LegendMissionsMissionFinished                       Tag = "legend_missions.mission_finished"
	LegendMissionsSendEmailCryptoMissionCompleted       Tag = "legend_missions.send_email_crypto_mission_completed"
	LegendMissionsSendEmailCodeExchangeMissionCompleted Tag = "legend_missions.send_email_code_exchange_mission_completed"
	LegendMissionsSendEmailNftMissionCompleted          Tag = "legend_missions.send_email_nft_mission_completed"

	LegendRankingsRankingsFinished    Tag = "legend_rankings.rankings_finished"
	LegendRankingsNewRankingCreated   Tag = "legend_rankings.new_ranking_created"
	LegendRankingsIntermediateReward  Tag = "legend_rankings.intermediate_reward"
	LegendRankingsParticipationReward Tag = "legend_rankings.participation_reward"

	LegendShowcaseProductVirtualDeleted               Tag = "legend_showcase.product_virtual_deleted"
	LegendShowcaseUpdateAllowedMissionSubscriptionIds Tag = "legend_showcase.update_allowed_mission_subscription_ids"
	LegendShowcaseUpdateAllowedRankingSubscriptionIds Tag = "legend_showcase.update_allowed_ranking_subscription_ids"

	SocialBlockChat   Tag = "social.block_chat"
	SocialNewUser     Tag = "social.new_user"
	SocialUnblockChat Tag = "social.unblock_chat"
	SocialUpdatedUser Tag = "social.updated_user"

	BillingPaymentCreated       Tag = "billing.payment_created"
	BillingPaymentSucceeded     Tag = "billing.payment_succeeded"
	BillingPaymentFailed        Tag = "billing.payment_failed"
	BillingPaymentRefunded      Tag = "billing.payment_refunded"
	BillingSubscriptionCreated  Tag = "billing.subscription_created"
	BillingSubscriptionUpdated  Tag = "billing.subscription_updated"
	BillingSubscriptionRenewed  Tag = "billing.subscription_renewed"
	BillingSubscriptionCanceled Tag = "billing.subscription_canceled"
	BillingSubscriptionExpired  Tag = "billing.subscription_expired"

	LegendEventsNewEventCreated      Tag = "legend_events.new_event_created"
	LegendEventsEventStarted         Tag = "legend_events.event_started"
	LegendEventsEventEnded           Tag = "legend_events.event_ended"
	LegendEventsPlayerRegistered     Tag = "legend_events.player_registered"
	LegendEventsPlayerJoinedWaitlist Tag = "legend_events.player_joined_waitlist"
	LegendEventsScoreSubmitted       Tag = "legend_events.score_submitted"
	LegendEventsEventsFinished       Tag = "legend_events.events_finished"
	LegendEventsIntermediateReward   Tag = "legend_events.intermediate_reward"
	LegendEventsParticipationReward  Tag = "legend_events.participation_reward"
)

// All lists every event tag in the closed enumeration. The Topology
// Builder declares one exchange pair per entry regardless of which tags any
// single microservice subscribes to.
var All = []Tag{
	TestImage, TestMint,
	AuthDeletedUser, AuthLogoutUser, AuthNewUser, AuthBlockedUser,
	LegendMissionsNewMissionCreated, LegendMissionsOngoingMission, LegendMissionsMissionFinished,
	LegendMissionsSendEmailCryptoMissionCompleted, LegendMissionsSendEmailCodeExchangeMissionCompleted,
	LegendMissionsSendEmailNftMissionCompleted,
	LegendRankingsRankingsFinished, LegendRankingsNewRankingCreated,
	LegendRankingsIntermediateReward, LegendRankingsParticipationReward,
	LegendShowcaseProductVirtualDeleted, LegendShowcaseUpdateAllowedMissionSubscriptionIds,
	LegendShowcaseUpdateAllowedRankingSubscriptionIds,
	SocialBlockChat, SocialNewUser, SocialUnblockChat, SocialUpdatedUser,
	BillingPaymentCreated, BillingPaymentSucceeded, BillingPaymentFailed, BillingPaymentRefunded,
	BillingSubscriptionCreated, BillingSubscriptionUpdated, BillingSubscriptionRenewed,
	BillingSubscriptionCanceled, BillingSubscriptionExpired,
	LegendEventsNewEventCreated, LegendEventsEventStarted, LegendEventsEventEnded,
	LegendEventsPlayerRegistered, LegendEventsPlayerJoinedWaitlist, LegendEventsScoreSubmitted,
	LegendEventsEventsFinished, LegendEventsIntermediateReward, LegendEventsParticipationReward,
}

// AsStrings renders tags for topology construction, which deals in plain
// strings so it has no dependency on this package's catalog.
func AsStrings(tags []Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}
