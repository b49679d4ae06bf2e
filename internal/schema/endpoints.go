package schema

import "github.com/nulpointcorp/ai-gateway/internal/canon"

// registry maps every supported endpoint to its declarative rule set.
var registry = map[canon.Endpoint]*endpointSchema{
	canon.EndpointChatCompletions:    chatSchema,
	canon.EndpointResponses:          responsesSchema,
	canon.EndpointMessages:           messagesSchema,
	canon.EndpointEmbeddings:         embeddingsSchema,
	canon.EndpointImagesGenerations:  imagesGenerationsSchema,
	canon.EndpointImagesEdits:        imagesEditsSchema,
	canon.EndpointAudioSpeech:        audioSpeechSchema,
	canon.EndpointAudioTranscription: audioTranscriptionSchema,
	canon.EndpointAudioTranslations:  audioTranslationsSchema,
	canon.EndpointModerations:        moderationsSchema,
	canon.EndpointVideoGeneration:    videoGenerationSchema,
	canon.EndpointOCR:                ocrSchema,
	canon.EndpointMusicGenerate:      musicGenerateSchema,
	canon.EndpointBatch:              batchSchema,
}
