// Package saga implements the saga-step dispatcher, its handler surface,
// and the commence-saga publisher: one step of a distributed transaction
// arrives on the service's saga queue, runs through a registered command
// handler, and replies to the orchestrator.
package saga

// StepCommand is a step-command tag drawn from the closed enumeration
// below, rendered snake_case with an optional colon-separated
// sub-qualifier.
type StepCommand string

const (
	CreateImage                            StepCommand = "create_image"
	UpdateToken                            StepCommand = "update_token"
	MintImage                              StepCommand = "mint_image"
	CreateUser                             StepCommand = "create_user"
	ResourcePurchasedDeductCoins           StepCommand = "resource_purchased:deduct_coins"
	RankingsRewardCoins                    StepCommand = "rankings_users_reward:reward_coins"
	ResourcePurchasedSavePurchasedResource StepCommand = "resource_purchased:save_purchased_resource"
	UpdateIslandRoomTemplate               StepCommand = "update_island_room_template"
	RandomizeIslandPvImage                 StepCommand = "randomize_island_pv_image"
	UpdateUserImage                        StepCommand = "update_user:image"
	CreateSocialUser                       StepCommand = "create_social_user"
	UploadFile                             StepCommand = "upload_file"
)

// Status is the lifecycle value of a Saga Step Envelope.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSent    Status = "sent"
	StatusPending Status = "pending"
)

// Step is the wire form of a Saga Step Envelope, exchanged between the
// orchestrator and each participating microservice. JSON field names are
// camelCase, matching every other business payload in this module.
type Step struct {
	Microservice    string         `json:"microservice"`
	Command         StepCommand    `json:"command"`
	Status          Status         `json:"status"`
	SagaID          int            `json:"sagaId"`
	Payload         map[string]any `json:"payload"`
	PreviousPayload map[string]any `json:"previousPayload"`
	IsCurrentStep   bool           `json:"isCurrentStep"`
}

// SagaTitle identifies a commence-saga payload's shape, rendered
// snake_case, drawn from a closed enumeration.
type SagaTitle string

const (
	TransferCryptoRewardToMissionWinner  SagaTitle = "transfer_crypto_reward_to_mission_winner"
	TransferCryptoRewardToRankingWinners SagaTitle = "transfer_crypto_reward_to_ranking_winners"
)

// CommenceSagaEnvelope is the wire envelope published to the commence_saga
// queue: a saga title plus its specific payload, preserved as the
// documented {title, payload:<object>} shape with camelCase fields
// throughout.
type CommenceSagaEnvelope[T any] struct {
	Title   SagaTitle `json:"title"`
	Payload T         `json:"payload"`
}

// The following are example payload shapes for the two catalog saga
// titles, demonstrating the camelCase wire convention. They are
// illustrative instantiations, not part of the dispatch mechanism.

// TransferCryptoRewardToMissionWinnerPayload is an example commence-saga
// payload for TransferCryptoRewardToMissionWinner.
type TransferCryptoRewardToMissionWinnerPayload struct {
	WalletAddress string `json:"walletAddress"`
	UserID        string `json:"userId"`
	Reward        string `json:"reward"`
}

// CryptoRankingWinner is one winner entry in CompletedCryptoRanking.
type CryptoRankingWinner struct {
	UserID string `json:"userId"`
	Reward string `json:"reward"`
}

// CompletedCryptoRanking groups the winners of one completed ranking under
// the wallet that will disburse their rewards.
type CompletedCryptoRanking struct {
	WalletAddress string                `json:"walletAddress"`
	Winners       []CryptoRankingWinner `json:"winners"`
}

// TransferCryptoRewardToRankingWinnersPayload is an example commence-saga
// payload for TransferCryptoRewardToRankingWinners.
type TransferCryptoRewardToRankingWinnersPayload struct {
	CompletedCryptoRankings []CompletedCryptoRanking `json:"completedCryptoRankings"`
}
